package wakeup

import (
	"context"
	"testing"
	"time"
)

func TestMem_NotifyWakesWaiter(t *testing.T) {
	q := NewMem()
	defer q.Close()

	q.Notify(context.Background())
	if !q.Wait(context.Background()) {
		t.Fatal("expected wake signal")
	}
}

func TestMem_SignalsCoalesce(t *testing.T) {
	q := NewMem()
	defer q.Close()

	for i := 0; i < 10; i++ {
		q.Notify(context.Background())
	}
	if !q.Wait(context.Background()) {
		t.Fatal("expected wake signal")
	}
	// 多次 Notify 合并为一个信号，第二次 Wait 只能等到超时
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if q.Wait(ctx) {
		t.Error("coalesced signals should not wake twice")
	}
}

func TestMem_WaitReturnsFalseOnCancel(t *testing.T) {
	q := NewMem()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if q.Wait(ctx) {
		t.Error("Wait should report canceled context")
	}
}
