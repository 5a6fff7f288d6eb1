package observability

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestShutdownManager_RunsFuncs(t *testing.T) {
	logger, _ := test.NewNullLogger()
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(logger, time.Second, server)

	var calls atomic.Int32
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.WaitForShutdown(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 shutdown funcs to run, got %d", calls.Load())
	}
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sm := NewShutdownManager(logger, time.Second)
	sm.RegisterShutdownFunc(func(ctx context.Context) error { return errors.New("redis close") })

	err := sm.Shutdown()
	if err == nil {
		t.Fatal("Expected error")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.ErrorLevel {
		t.Error("Expected failure to be logged")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sm := NewShutdownManager(logger, 20*time.Millisecond)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if err := sm.Shutdown(); err == nil {
		t.Fatal("Expected timeout error")
	}
}

func TestRecoverPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()

	func() {
		defer RecoverPanic(logger, "worker")
		panic("boom")
	}()

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected panic to be logged")
	}
	if entry.Data["context"] != "worker" {
		t.Errorf("Expected context worker, got %v", entry.Data["context"])
	}

	called := false
	func() {
		defer RecoverPanicWithCallback(logger, "worker", func() { called = true })
		panic("again")
	}()
	if !called {
		t.Error("Expected callback after panic")
	}

	if MustRecover(nil) != nil {
		t.Error("Expected nil error without panic")
	}
	if MustRecover("x") == nil {
		t.Error("Expected error for recovered value")
	}
}
