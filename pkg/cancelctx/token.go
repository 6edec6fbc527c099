/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package cancelctx is a cooperative cancellation token that, unlike
// context.Context, is meant to be shared by a whole socket or deduper
// entry and closed exactly once to unblock every attached goroutine at
// once.
package cancelctx

import (
	"errors"
	"sync"
)

// ErrCanceled is returned by operations that observe a canceled Token.
var ErrCanceled = errors.New("cancelctx: canceled")

// Token is a single cancellation signal that any number of goroutines
// can wait on and attach cleanup work to. The zero value is not usable;
// use New.
type Token struct {
	mu       sync.Mutex
	canceled bool
	cause    error
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a live Token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token canceled with cause (nil becomes ErrCanceled)
// and wakes every current and future waiter. Cancel is idempotent; only
// the first call's cause is retained.
func (t *Token) Cancel(cause error) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	if cause == nil {
		cause = ErrCanceled
	}
	t.canceled = true
	t.cause = cause
	t.mu.Unlock()
	close(t.done)
}

// Done returns a channel closed once Cancel has been called.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Canceled reports whether Cancel has been called.
func (t *Token) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Cause returns the cancellation cause, or nil if not yet canceled.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Attach runs f in a new goroutine, tracked so that CloseWait blocks
// until f returns. f runs even if the token is already canceled (so
// cleanup always happens); Attach never rejects f, including after
// CloseWait has returned.
func (t *Token) Attach(f func()) {
	t.mu.Lock()
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		f()
	}()
}

// CloseWait cancels the token, if not already canceled, and blocks
// until every goroutine started via Attach has returned.
func (t *Token) CloseWait(cause error) {
	t.Cancel(cause)
	t.wg.Wait()
}
