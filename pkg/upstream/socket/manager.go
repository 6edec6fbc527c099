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

package socket

import "sync"

// Manager is the registry of one Socket per upstream address, built
// with the usual read-then-upgrade-to-write pattern so the common case
// (socket already exists) never takes the write lock.
type Manager struct {
	newOpts func(addr string) Opts

	mu      sync.RWMutex
	sockets map[string]*Socket
}

// NewManager returns a Manager whose sockets are all built from the
// Opts newOpts produces for that address.
func NewManager(newOpts func(addr string) Opts) *Manager {
	return &Manager{
		newOpts: newOpts,
		sockets: make(map[string]*Socket),
	}
}

// Get returns the Socket for addr, dialing a new one on first use.
func (m *Manager) Get(addr string) *Socket {
	m.mu.RLock()
	s := m.sockets[addr]
	m.mu.RUnlock()
	if s != nil {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.sockets[addr]; s != nil {
		return s
	}
	s = New(addr, m.newOpts(addr))
	m.sockets[addr] = s
	return s
}

// Remove closes and forgets the socket for addr, if any.
func (m *Manager) Remove(addr string) {
	m.mu.Lock()
	s := m.sockets[addr]
	delete(m.sockets, addr)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Len reports how many sockets are currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

// CloseAll closes every registered socket.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sockets := m.sockets
	m.sockets = make(map[string]*Socket)
	m.mu.Unlock()
	for _, s := range sockets {
		s.Close()
	}
}
