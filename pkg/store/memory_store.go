package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

// MemoryStore keeps documents in-process. A single mutex serializes
// transitions the way the row lock does in Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]domain.Document
	orders   []string
	signers  map[string][]domain.Signer // document ID -> signers
	events   map[string][]domain.Event  // document ID -> events
	counters map[string]int64
	eventSeq int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]domain.Document),
		signers:  make(map[string][]domain.Signer),
		events:   make(map[string][]domain.Event),
		counters: make(map[string]int64),
	}
}

// SeedCounter sets the current value of a counter.
func (m *MemoryStore) SeedCounter(name string, value int64) {
	m.mu.Lock()
	m.counters[name] = value
	m.mu.Unlock()
}

// CreateDocument stores a document with its signers and creation event.
func (m *MemoryStore) CreateDocument(_ context.Context, in NewDocument) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := in.Document
	if _, exists := m.docs[doc.ID]; exists {
		return domain.Document{}, fmt.Errorf("insert document: duplicate id %s", doc.ID)
	}
	for _, d := range m.docs {
		if d.AccessToken == doc.AccessToken || d.VerificationCode == doc.VerificationCode {
			return domain.Document{}, fmt.Errorf("insert document: duplicate token or code")
		}
	}
	m.counters[in.Counter]++
	doc.Sequence = m.counters[in.Counter]
	if in.Number != nil {
		doc.ContractNumber = in.Number(doc.Sequence)
	}
	m.docs[doc.ID] = doc
	m.orders = append(m.orders, doc.ID)
	m.signers[doc.ID] = append([]domain.Signer(nil), in.Signers...)
	event := in.Event
	event.DocumentID = doc.ID
	event.ToStatus = doc.Status
	m.appendEventLocked(event)
	return doc, nil
}

// GetDocument retrieves a document.
func (m *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	return doc, ok, nil
}

// GetDocumentByAccessToken looks up a document by its access token.
func (m *MemoryStore) GetDocumentByAccessToken(_ context.Context, token string) (domain.Document, bool, error) {
	return m.findDocument(func(d domain.Document) bool { return token != "" && d.AccessToken == token })
}

// GetDocumentByVerificationCode looks up a document by its public code.
func (m *MemoryStore) GetDocumentByVerificationCode(_ context.Context, code string) (domain.Document, bool, error) {
	return m.findDocument(func(d domain.Document) bool { return code != "" && d.VerificationCode == code })
}

func (m *MemoryStore) findDocument(match func(domain.Document) bool) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.orders {
		if d := m.docs[id]; match(d) {
			return d, true, nil
		}
	}
	return domain.Document{}, false, nil
}

// ListDocumentsByOwner returns the owner's documents, newest first.
func (m *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for i := len(m.orders) - 1; i >= 0; i-- {
		if d := m.docs[m.orders[i]]; d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

// ListUnsealed returns signed documents without a sealed artifact.
func (m *MemoryStore) ListUnsealed(_ context.Context, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.orders {
		d := m.docs[id]
		if d.Status != domain.StatusSigned || d.Sealed() {
			continue
		}
		res = append(res, d)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// Transition applies fn under the store lock.
func (m *MemoryStore) Transition(_ context.Context, docID string, fn TransitionFunc) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return Change{}, fmt.Errorf("%w: document %s", workflow.ErrNotFound, docID)
	}
	current := append([]domain.Signer(nil), m.signers[docID]...)
	change, err := fn(doc, current)
	if err != nil {
		return Change{}, err
	}
	change.Document.ID = docID
	m.docs[docID] = change.Document
	for _, s := range change.Signers {
		s.DocumentID = docID
		m.upsertSignerLocked(s)
	}
	change.Event.DocumentID = docID
	change.Event = m.appendEventLocked(change.Event)
	return change, nil
}

func (m *MemoryStore) upsertSignerLocked(s domain.Signer) {
	list := m.signers[s.DocumentID]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return
		}
	}
	m.signers[s.DocumentID] = append(list, s)
}

func (m *MemoryStore) appendEventLocked(e domain.Event) domain.Event {
	m.eventSeq++
	e.Seq = m.eventSeq
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events[e.DocumentID] = append(m.events[e.DocumentID], e)
	return e
}

// GetSignerByToken looks up a signer by its sign token.
func (m *MemoryStore) GetSignerByToken(_ context.Context, token string) (domain.Signer, bool, error) {
	if token == "" {
		return domain.Signer{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, list := range m.signers {
		for _, s := range list {
			if s.SignToken == token {
				return s, true, nil
			}
		}
	}
	return domain.Signer{}, false, nil
}

// ListSigners returns signers in position order.
func (m *MemoryStore) ListSigners(_ context.Context, docID string) ([]domain.Signer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := append([]domain.Signer(nil), m.signers[docID]...)
	sort.SliceStable(res, func(i, j int) bool { return res[i].Position < res[j].Position })
	return res, nil
}

// ListEvents returns the audit trail ordered by time, then insertion.
func (m *MemoryStore) ListEvents(_ context.Context, docID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := append([]domain.Event(nil), m.events[docID]...)
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].Seq < res[j].Seq
	})
	return res, nil
}
