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

// Package nametree indexes cached records by domain name, label by
// label from the root, so a lookup only ever walks the labels present
// in the query instead of scanning every cached name.
package nametree

import (
	"strings"
	"sync"
)

// Node is one label's worth of tree. Each Node owns its own RWMutex so
// concurrent writers touching different branches don't contend; only
// writers that share a parent node ever block on each other.
type Node[V any] struct {
	mu       sync.RWMutex
	children map[string]*Node[V]
	has      bool
	val      V
}

// Tree is a domain-name-keyed index rooted at the DNS root label.
type Tree[V any] struct {
	root *Node[V]
}

// New returns an empty Tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{root: &Node[V]{}}
}

// labels splits a fully-qualified domain name into root-to-leaf order,
// e.g. "www.example.com." -> ["com", "example", "www"].
func labels(name string) []string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Get returns the value stored at name, if any.
func (t *Tree[V]) Get(name string) (V, bool) {
	n := t.root
	for _, label := range labels(name) {
		n.mu.RLock()
		next := n.children[label]
		n.mu.RUnlock()
		if next == nil {
			var zero V
			return zero, false
		}
		n = next
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.val, n.has
}

// GetOrCreateNode walks to (creating as needed) the node for name and
// returns it, so callers can perform a custom read-modify-write under
// the node's own lock via Node.Update.
func (t *Tree[V]) GetOrCreateNode(name string) *Node[V] {
	n := t.root
	for _, label := range labels(name) {
		n = n.childOrCreate(label)
	}
	return n
}

func (n *Node[V]) childOrCreate(label string) *Node[V] {
	n.mu.RLock()
	child := n.children[label]
	n.mu.RUnlock()
	if child != nil {
		return child
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children == nil {
		n.children = make(map[string]*Node[V])
	}
	if child = n.children[label]; child == nil {
		child = &Node[V]{}
		n.children[label] = child
	}
	return child
}

// Update runs f against the node's current value under the node's own
// write lock and stores the result.
func (n *Node[V]) Update(f func(old V, has bool) (newV V, set bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	newV, set := f(n.val, n.has)
	if set {
		n.val = newV
		n.has = true
	}
}

// Set stores v at name, creating intermediate nodes as needed.
func (t *Tree[V]) Set(name string, v V) {
	node := t.GetOrCreateNode(name)
	node.mu.Lock()
	node.val = v
	node.has = true
	node.mu.Unlock()
}

// Walk visits every node in the tree, parent before children. f may
// call Update on the node it receives but must not touch the tree's
// other nodes, since Walk only holds each node's lock for the duration
// of listing its children.
func (t *Tree[V]) Walk(f func(n *Node[V])) {
	t.root.walk(f)
}

func (n *Node[V]) walk(f func(n *Node[V])) {
	f(n)
	n.mu.RLock()
	children := make([]*Node[V], 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.mu.RUnlock()
	for _, c := range children {
		c.walk(f)
	}
}

// WalkNamed is Walk plus the fully-qualified name reconstructed from
// the label path taken to reach each node. Root-only, no-label nodes
// are skipped.
func (t *Tree[V]) WalkNamed(f func(name string, n *Node[V])) {
	t.root.walkNamed(nil, f)
}

func (n *Node[V]) walkNamed(path []string, f func(name string, n *Node[V])) {
	if len(path) > 0 {
		labelsRootToLeaf := make([]string, len(path))
		for i, label := range path {
			labelsRootToLeaf[len(path)-1-i] = label
		}
		f(strings.Join(labelsRootToLeaf, ".")+".", n)
	}
	n.mu.RLock()
	type child struct {
		label string
		node  *Node[V]
	}
	children := make([]child, 0, len(n.children))
	for label, c := range n.children {
		children = append(children, child{label, c})
	}
	n.mu.RUnlock()
	for _, c := range children {
		c.node.walkNamed(append(path, c.label), f)
	}
}

// Get returns the node's current value under its own read lock.
func (n *Node[V]) Get() (V, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.val, n.has
}

// Delete removes the leaf value at name, if present. It does not prune
// now-empty intermediate nodes: branches are cheap and get reused by
// sibling names often enough that eager pruning isn't worth the extra
// locking round trip.
func (t *Tree[V]) Delete(name string) {
	n := t.root
	for _, label := range labels(name) {
		n.mu.RLock()
		next := n.children[label]
		n.mu.RUnlock()
		if next == nil {
			return
		}
		n = next
	}
	n.mu.Lock()
	var zero V
	n.val = zero
	n.has = false
	n.mu.Unlock()
}
