package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHandler cancels a classification run on SIGINT or SIGTERM and
// reports how far entity resolution got. Entities resolved before the signal
// are already stored, and re-running the same input does not count their
// lines twice.
type InterruptHandler struct {
	writer      io.Writer
	input       string
	cancel      context.CancelFunc
	stop        chan struct{}
	stopOnce    sync.Once
	resolved    int
	total       int
	interrupted bool
	mu          sync.Mutex
}

// NewInterruptHandler creates a handler that writes to writer and names
// input in the resume hint.
func NewInterruptHandler(writer io.Writer, input string) *InterruptHandler {
	if writer == nil {
		writer = os.Stderr
	}
	return &InterruptHandler{writer: writer, input: input, stop: make(chan struct{})}
}

// HandleInterrupts returns a context that is canceled on the first signal.
// The handler keeps listening after the parent is canceled, until Stop.
func (h *InterruptHandler) HandleInterrupts(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			h.interrupt()
		case <-h.stop:
		}
	}()

	return ctx
}

// Stop releases the signal handler and the context it returned.
func (h *InterruptHandler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Track records batch progress. It has the shape of a pipeline progress
// callback.
func (h *InterruptHandler) Track(resolved, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved, h.total = resolved, total
}

// Wrap returns a progress callback that records progress before calling
// next, which may be nil.
func (h *InterruptHandler) Wrap(next func(done, total int)) func(done, total int) {
	return func(done, total int) {
		h.Track(done, total)
		if next != nil {
			next(done, total)
		}
	}
}

// interrupt reports progress once and cancels the run.
func (h *InterruptHandler) interrupt() {
	h.mu.Lock()
	if h.interrupted {
		h.mu.Unlock()
		return
	}
	h.interrupted = true
	msg := h.message()
	cancel := h.cancel
	h.mu.Unlock()

	if _, err := fmt.Fprint(h.writer, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write interrupt message: %v\n", err)
	}
	if cancel != nil {
		cancel()
	}
}

func (h *InterruptHandler) message() string {
	msg := "\n\n"
	if h.total > 0 {
		msg += FormatWarning(fmt.Sprintf("Classification interrupted after resolving %d of %d transactions", h.resolved, h.total))
	} else {
		msg += FormatWarning("Classification interrupted before any transaction was resolved")
	}

	if h.resolved > 0 {
		hint := "Resolved entities are stored. Re-running the same input is safe"
		if h.input != "" && h.input != "-" {
			hint += ": merchantflow classify --input " + h.input
		}
		msg += "\n" + FormatInfo(hint)
	}
	return msg + "\n" + FormatInfo("Stopped.") + "\n"
}

// Resolved returns the last progress recorded by Track.
func (h *InterruptHandler) Resolved() (resolved, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved, h.total
}

// WasInterrupted reports whether a signal stopped the run.
func (h *InterruptHandler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
