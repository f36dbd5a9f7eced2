package memori

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"
)

// memDriver is an in-memory Driver used across the package tests. Writes
// stage against a snapshot taken at the first mutation, so Rollback
// restores the pre-transaction state the way a real dialect does. Every
// method records its operation name for sequence assertions, and
// failOnce/failAlways inject errors per operation.
type memDriver struct {
	dialect       Dialect
	rollbackOnErr bool
	now           func() time.Time
	revisions     []Revision

	mu        sync.Mutex
	state     memState
	saved     *memState
	calls     []string
	commits   int
	rollbacks int
	closed    bool
	failures  map[string]*driverFailure
}

type driverFailure struct {
	err   error
	times int // remaining failures; negative means always
}

type memSession struct {
	id        int64
	uuid      string
	entityID  int64
	processID int64
}

type memConversation struct {
	id           int64
	uuid         string
	sessionID    int64
	summary      string
	created      time.Time
	lastActivity time.Time
}

type memMessage struct {
	conversationID int64
	role           string
	typ            string
	content        string
}

type memFact struct {
	id        int64
	entityID  int64
	content   string
	embedding []float32
	hidden    bool
}

type memState struct {
	nextID      int64
	entities    map[string]int64
	processes   map[string]int64
	sessions    map[string]int64
	sessionRows map[int64]memSession
	convs       map[int64]memConversation
	sessionConv map[int64]int64
	msgs        []memMessage
	facts       []memFact
	triples     map[int64][]Triple
	attrs       map[int64][]string
	version     int
	hasVersion  bool
}

func newMemState() memState {
	return memState{
		entities:    map[string]int64{},
		processes:   map[string]int64{},
		sessions:    map[string]int64{},
		sessionRows: map[int64]memSession{},
		convs:       map[int64]memConversation{},
		sessionConv: map[int64]int64{},
		triples:     map[int64][]Triple{},
		attrs:       map[int64][]string{},
	}
}

func (s memState) clone() memState {
	out := s
	out.entities = maps.Clone(s.entities)
	out.processes = maps.Clone(s.processes)
	out.sessions = maps.Clone(s.sessions)
	out.sessionRows = maps.Clone(s.sessionRows)
	out.convs = maps.Clone(s.convs)
	out.sessionConv = maps.Clone(s.sessionConv)
	out.msgs = slices.Clone(s.msgs)
	out.facts = slices.Clone(s.facts)
	out.triples = make(map[int64][]Triple, len(s.triples))
	for k, v := range s.triples {
		out.triples[k] = slices.Clone(v)
	}
	out.attrs = make(map[int64][]string, len(s.attrs))
	for k, v := range s.attrs {
		out.attrs[k] = slices.Clone(v)
	}
	return out
}

func newMemDriver() *memDriver {
	return &memDriver{
		dialect:  DialectSQLite,
		now:      time.Now,
		state:    newMemState(),
		failures: map[string]*driverFailure{},
	}
}

func (d *memDriver) failOnce(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = &driverFailure{err: err, times: 1}
}

func (d *memDriver) failAlways(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = &driverFailure{err: err, times: -1}
}

// begin records the call and returns the injected failure, if any.
// Callers hold d.mu.
func (d *memDriver) begin(op string) error {
	d.calls = append(d.calls, op)
	f := d.failures[op]
	if f == nil || f.times == 0 {
		return nil
	}
	if f.times > 0 {
		f.times--
	}
	return f.err
}

// mark snapshots the committed state before the first mutation of a
// transaction. Callers hold d.mu.
func (d *memDriver) mark() {
	if d.saved == nil {
		s := d.state.clone()
		d.saved = &s
	}
}

func (d *memDriver) Dialect() Dialect      { return d.dialect }
func (d *memDriver) Revisions() []Revision { return d.revisions }

func (d *memDriver) CreateEntity(_ context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("entity.create"); err != nil {
		return 0, err
	}
	if id, ok := d.state.entities[externalID]; ok {
		return id, nil
	}
	d.mark()
	d.state.nextID++
	d.state.entities[externalID] = d.state.nextID
	return d.state.nextID, nil
}

func (d *memDriver) CreateProcess(_ context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("process.create"); err != nil {
		return 0, err
	}
	if id, ok := d.state.processes[externalID]; ok {
		return id, nil
	}
	d.mark()
	d.state.nextID++
	d.state.processes[externalID] = d.state.nextID
	return d.state.nextID, nil
}

func (d *memDriver) CreateSession(_ context.Context, uuid string, entityID, processID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("session.create"); err != nil {
		return 0, err
	}
	if id, ok := d.state.sessions[uuid]; ok {
		return id, nil
	}
	d.mark()
	d.state.nextID++
	id := d.state.nextID
	d.state.sessions[uuid] = id
	d.state.sessionRows[id] = memSession{id: id, uuid: uuid, entityID: entityID, processID: processID}
	return id, nil
}

func (d *memDriver) CreateConversation(_ context.Context, sessionID int64, timeout time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("conversation.create"); err != nil {
		return 0, err
	}
	now := d.now()
	if id, ok := d.state.sessionConv[sessionID]; ok {
		if conv := d.state.convs[id]; now.Sub(conv.lastActivity) <= timeout {
			return id, nil
		}
	}
	d.mark()
	d.state.nextID++
	id := d.state.nextID
	d.state.convs[id] = memConversation{id: id, uuid: NewID(), sessionID: sessionID, created: now, lastActivity: now}
	d.state.sessionConv[sessionID] = id
	return id, nil
}

func (d *memDriver) ReadConversation(_ context.Context, conversationID int64) (Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("conversation.read"); err != nil {
		return Conversation{}, err
	}
	conv, ok := d.state.convs[conversationID]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %d not found", conversationID)
	}
	return Conversation{
		ID:          conv.id,
		UUID:        conv.uuid,
		SessionID:   conv.sessionID,
		Summary:     conv.summary,
		DateCreated: conv.created.Unix(),
	}, nil
}

func (d *memDriver) UpdateConversation(_ context.Context, conversationID int64, summary string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("conversation.update"); err != nil {
		return err
	}
	conv, ok := d.state.convs[conversationID]
	if !ok {
		return nil
	}
	d.mark()
	conv.summary = summary
	d.state.convs[conversationID] = conv
	return nil
}

func (d *memDriver) CreateConversationMessage(_ context.Context, conversationID int64, role, typ, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("message.create"); err != nil {
		return err
	}
	d.mark()
	d.state.msgs = append(d.state.msgs, memMessage{conversationID: conversationID, role: role, typ: typ, content: content})
	if conv, ok := d.state.convs[conversationID]; ok {
		conv.lastActivity = d.now()
		d.state.convs[conversationID] = conv
	}
	return nil
}

func (d *memDriver) ReadConversationMessages(_ context.Context, conversationID int64) ([]ConversationMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("message.read"); err != nil {
		return nil, err
	}
	var out []ConversationMessage
	for _, msg := range d.state.msgs {
		if msg.conversationID == conversationID {
			out = append(out, ConversationMessage{Role: msg.role, Content: msg.content})
		}
	}
	return out, nil
}

func (d *memDriver) CreateEntityFacts(_ context.Context, entityID int64, facts []string, embeddings [][]float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("facts.create"); err != nil {
		return err
	}
	d.mark()
	for i, content := range facts {
		var vec []float32
		if i < len(embeddings) {
			vec = embeddings[i]
		}
		if j := d.factIndex(entityID, content); j >= 0 {
			d.state.facts[j].embedding = vec
			continue
		}
		d.state.nextID++
		d.state.facts = append(d.state.facts, memFact{id: d.state.nextID, entityID: entityID, content: content, embedding: vec})
	}
	return nil
}

// factIndex finds a fact by natural identity. Callers hold d.mu.
func (d *memDriver) factIndex(entityID int64, content string) int {
	for i, f := range d.state.facts {
		if f.entityID == entityID && f.content == content {
			return i
		}
	}
	return -1
}

func (d *memDriver) ReadEntityFactEmbeddings(_ context.Context, entityID int64, limit int) ([]FactEmbedding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("embeddings.read"); err != nil {
		return nil, err
	}
	var out []FactEmbedding
	for _, f := range d.state.facts {
		if f.entityID != entityID {
			continue
		}
		out = append(out, FactEmbedding{ID: f.id, Embedding: PackEmbedding(f.embedding)})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *memDriver) ReadEntityFactsByIDs(_ context.Context, ids []int64) ([]FactRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("facts.read"); err != nil {
		return nil, err
	}
	var out []FactRow
	for _, f := range d.state.facts {
		if f.hidden {
			continue
		}
		if slices.Contains(ids, f.id) {
			out = append(out, FactRow{ID: f.id, Content: f.content})
		}
	}
	return out, nil
}

func (d *memDriver) CreateKnowledgeGraph(_ context.Context, entityID int64, triples []Triple) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("graph.create"); err != nil {
		return err
	}
	d.mark()
	d.state.triples[entityID] = append(d.state.triples[entityID], triples...)
	return nil
}

func (d *memDriver) CreateProcessAttributes(_ context.Context, processID int64, attributes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("attributes.create"); err != nil {
		return err
	}
	d.mark()
	d.state.attrs[processID] = append(d.state.attrs[processID], attributes...)
	return nil
}

func (d *memDriver) CreateSchemaVersion(_ context.Context, num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("schema.create"); err != nil {
		return err
	}
	d.mark()
	d.state.version = num
	d.state.hasVersion = true
	return nil
}

func (d *memDriver) DeleteSchemaVersion(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("schema.delete"); err != nil {
		return err
	}
	d.mark()
	d.state.version = 0
	d.state.hasVersion = false
	return nil
}

func (d *memDriver) ReadSchemaVersion(_ context.Context) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("schema.read"); err != nil {
		return 0, false, err
	}
	return d.state.version, d.state.hasVersion, nil
}

func (d *memDriver) Commit(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("commit"); err != nil {
		return err
	}
	d.saved = nil
	d.commits++
	return nil
}

func (d *memDriver) Rollback(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("rollback"); err != nil {
		return err
	}
	if d.saved != nil {
		d.state = *d.saved
		d.saved = nil
	}
	d.rollbacks++
	return nil
}

func (d *memDriver) RequiresRollbackOnError() bool { return d.rollbackOnErr }

func (d *memDriver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ Driver = (*memDriver)(nil)

// --- Inspection helpers ---

func (d *memDriver) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (d *memDriver) resetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

func (d *memDriver) messageLog() []memMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state.msgs)
}

func (d *memDriver) factContents(entityID int64) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, f := range d.state.facts {
		if f.entityID == entityID {
			out = append(out, f.content)
		}
	}
	return out
}

func (d *memDriver) conversationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state.convs)
}

func (d *memDriver) rollbackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks
}

func (d *memDriver) entityTriples(entityID int64) []Triple {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state.triples[entityID])
}

// removeFact hides a fact from the content read while leaving its
// embedding visible, simulating a row deleted between the embedding
// scan and the content lookup.
func (d *memDriver) removeFact(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, f := range d.state.facts {
		if f.id == id {
			d.state.facts[i].hidden = true
			return
		}
	}
}

// --- Shared fixtures ---

// testClock is a controllable time source shared between a handle and
// its driver so rollover tests can advance time deterministically.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubEmbedder returns canned vectors keyed by input text, falling back
// to def for unknown texts.
type stubEmbedder struct {
	mu    sync.Mutex
	name  string
	dims  int
	vecs  map[string][]float32
	def   []float32
	err   error
	calls int
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := e.vecs[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = e.def
	}
	return out, nil
}

func (e *stubEmbedder) Dimensions() int {
	if e.dims > 0 {
		return e.dims
	}
	return len(e.def)
}

func (e *stubEmbedder) Name() string {
	if e.name != "" {
		return e.name
	}
	return "stub-embedder"
}

var _ Embedder = (*stubEmbedder)(nil)

// stubAugmentation records every derivation input it receives, queues
// canned write tasks, and optionally fails.
type stubAugmentation struct {
	name     string
	disabled bool
	err      error
	tasks    []WriteTask

	mu     sync.Mutex
	inputs []AugmentationInput
}

func (a *stubAugmentation) Name() string {
	if a.name != "" {
		return a.name
	}
	return "stub"
}

func (a *stubAugmentation) Enabled() bool { return !a.disabled }

func (a *stubAugmentation) Process(_ context.Context, actx *AugmentationContext, _ Driver) error {
	a.mu.Lock()
	a.inputs = append(a.inputs, actx.Input)
	a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	for _, task := range a.tasks {
		actx.Queue(task)
	}
	return nil
}

func (a *stubAugmentation) inputCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

func (a *stubAugmentation) lastInput() AugmentationInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inputs) == 0 {
		return AugmentationInput{}
	}
	return a.inputs[len(a.inputs)-1]
}

var _ Augmentation = (*stubAugmentation)(nil)

// newTestMemori opens a handle over d with network egress pointed at a
// stub augmentation service. Empty cfg URLs default to the stub so no
// test traffic leaves the process.
func newTestMemori(t *testing.T, d *memDriver, cfg Config, opts ...Option) *Memori {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = srv.URL
	}
	if cfg.CollectorBaseURL == "" {
		cfg.CollectorBaseURL = srv.URL
	}
	cfg.TestMode = true

	m, err := Open(context.Background(), StaticDriver(d), append([]Option{WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return m
}

// recallFixture opens a handle attributed to "user-1" with three facts
// whose similarity to the canned query "What do I like?" is 1.0, 0.6,
// and 0.0 in seed order.
func recallFixture(t *testing.T, d *memDriver, opts ...Option) *Memori {
	t.Helper()
	embed := &stubEmbedder{
		vecs: map[string][]float32{"What do I like?": {1, 0}},
		def:  []float32{0, 1},
	}
	cfg := Config{EntityID: "user-1", RecallRelevanceThreshold: 0.1}
	m := newTestMemori(t, d, cfg, append([]Option{WithEmbedder(embed)}, opts...)...)
	seedFacts(t, d, "user-1",
		[]string{"Likes hiking", "Likes maps", "Likes opera"},
		[][]float32{{1, 0}, {0.6, 0.8}, {0, 1}})
	return m
}

// seedFacts stores facts with embeddings for an external entity id and
// commits, returning the surrogate entity id.
func seedFacts(t *testing.T, d *memDriver, externalID string, facts []string, vecs [][]float32) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := d.CreateEntity(ctx, externalID)
	if err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	if err := d.CreateEntityFacts(ctx, id, facts, vecs); err != nil {
		t.Fatalf("seed facts: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return id
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
