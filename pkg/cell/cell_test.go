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

package cell

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCell_SetThenWait(t *testing.T) {
	c := New[int]()
	if !c.Set(42) {
		t.Fatal("first Set should win")
	}
	if c.Set(7) {
		t.Fatal("second Set should lose")
	}

	v, ok, fired := c.Wait(nil)
	if !fired || !ok || v != 42 {
		t.Fatalf("got v=%d ok=%v fired=%v", v, ok, fired)
	}
}

func TestCell_CloseEmpty(t *testing.T) {
	c := New[string]()
	if !c.Close() {
		t.Fatal("first Close should win")
	}
	v, ok := c.Value()
	if ok || v != "" {
		t.Fatalf("want zero value, got %q ok=%v", v, ok)
	}
}

func TestCell_ConcurrentWaitersAllWake(t *testing.T) {
	c := New[int]()
	const n = 50
	var wg sync.WaitGroup
	var woke int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, fired := c.Wait(nil)
			if fired && ok && v == 9 {
				atomic.AddInt32(&woke, 1)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	c.Set(9)
	wg.Wait()
	if woke != n {
		t.Fatalf("expected %d waiters woken, got %d", n, woke)
	}
}

func TestCell_LateWaiterStillFires(t *testing.T) {
	c := New[int]()
	c.Set(3)
	v, ok, fired := c.Wait(nil)
	if !fired || !ok || v != 3 {
		t.Fatalf("late waiter did not observe prior Set: v=%d ok=%v fired=%v", v, ok, fired)
	}
}

func TestCell_WaitCanceled(t *testing.T) {
	c := New[int]()
	done := make(chan struct{})
	close(done)
	_, ok, fired := c.Wait(done)
	if ok || fired {
		t.Fatal("expected Wait to observe the done channel, not the cell")
	}
}
