//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package backup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/weaviate/snapgraph/entities/backup"
	"github.com/weaviate/snapgraph/entities/partition"
)

type memBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr map[string]error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}, writeErr: map[string]error{}}
}

func (b *memBackend) Name() string { return "memory" }

func (b *memBackend) HomeDir(backupID string) string { return "mem://" + backupID }

func (b *memBackend) Initialize(ctx context.Context, backupID string) error { return nil }

func (b *memBackend) path(backupID, key string) string { return backupID + "/" + key }

func (b *memBackend) GetObject(ctx context.Context, backupID, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[b.path(backupID, key)]
	if !ok {
		return nil, backup.NewErrNotFound(fmt.Errorf("%s/%s", backupID, key))
	}
	return data, nil
}

func (b *memBackend) PutObject(ctx context.Context, backupID, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[b.path(backupID, key)] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) Write(ctx context.Context, backupID, key string, r io.ReadCloser) (int64, error) {
	defer r.Close()
	b.mu.Lock()
	err := b.writeErr[key]
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), b.PutObject(ctx, backupID, key, data)
}

func (b *memBackend) Read(ctx context.Context, backupID, key string, w io.WriteCloser) (int64, error) {
	defer w.Close()
	data, err := b.GetObject(ctx, backupID, key)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (b *memBackend) Delete(ctx context.Context, backupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.objects {
		if strings.HasPrefix(k, backupID+"/") {
			delete(b.objects, k)
		}
	}
	return nil
}

func (b *memBackend) has(backupID, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[b.path(backupID, key)]
	return ok
}

func (b *memBackend) count(backupID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.objects {
		if strings.HasPrefix(k, backupID+"/") {
			n++
		}
	}
	return n
}

// timeline records the order of calls made to several fakes.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (l *timeline) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *timeline) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeFrontier struct {
	mu       sync.Mutex
	frontier int64
	resets   []map[int32]partition.Progress
	events   *timeline
}

func (f *fakeFrontier) Frontier() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frontier
}

func (f *fakeFrontier) set(s int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frontier = s
}

func (f *fakeFrontier) ResetProgress(ctx context.Context, progress map[int32]partition.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, progress)
	f.events.add("reset")
	return nil
}

type fakeIngestors struct {
	mu      sync.Mutex
	stopped map[int32]int
	started map[int32]int
	pins    map[int64]int
	events  *timeline
}

func newFakeIngestors() *fakeIngestors {
	return &fakeIngestors{stopped: map[int32]int{}, started: map[int32]int{}, pins: map[int64]int{}}
}

func (f *fakeIngestors) Stop(ctx context.Context, id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[id]++
	return nil
}

func (f *fakeIngestors) Start(id int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id]++
	f.events.add("start %d", id)
	return nil
}

func (f *fakeIngestors) PinSnapshot(s int64) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins[s]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pins[s]--
	}
}

// failingParticipant fails every export of one partition.
type failingParticipant struct {
	Participants
	partition int32
	err       error
}

func (f *failingParticipant) ParticipantFor(id int32) (Participant, error) {
	if id == f.partition {
		return nil, f.err
	}
	return f.Participants.ParticipantFor(id)
}
