// Package id 生成按时间可排序的持仓/交易编号。
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// 同一毫秒内生成的编号保持单调递增
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// At 以给定时间为时间戳部分生成 ULID
func At(ts time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts.UTC()), mono)
	if err != nil {
		// 仅在熵源失败或时间回拨超出单调窗口时出现
		id = ulid.MustNew(ulid.Timestamp(ts.UTC()), cryptoRand.Reader)
	}
	return id.String()
}
