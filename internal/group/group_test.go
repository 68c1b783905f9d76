package group

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/config"
	"engram/internal/enrich"
	"engram/internal/jobs"
	"engram/internal/notify"
	"engram/internal/search"
	"engram/internal/store"
	"engram/internal/tokenizer"
	"engram/internal/types"
	"engram/internal/workmem"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeStore backs both the enrichment pipeline and the group coordination
// surface so one write lands in one place.
type fakeStore struct {
	mu sync.Mutex

	nextRobot int64
	robots    map[string]*types.Robot

	nextNode int64
	nodes    map[int64]*types.Node
	byHash   map[string]int64
	addOrder []int64 // robot ids in AddNode call order

	working map[int64]map[int64]bool
	tokens  map[int64]int

	transfers []transferCall
	setErr    error
}

type transferCall struct {
	src, dst    int64
	clearSource bool
}

var (
	_ Store        = (*fakeStore)(nil)
	_ enrich.Store = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		robots:  map[string]*types.Robot{},
		nodes:   map[int64]*types.Node{},
		byHash:  map[string]int64{},
		working: map[int64]map[int64]bool{},
		tokens:  map[int64]int{},
	}
}

func (f *fakeStore) EnsureRobot(_ context.Context, name string) (*types.Robot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.robots[name]; ok {
		cp := *r
		return &cp, nil
	}
	f.nextRobot++
	r := &types.Robot{ID: f.nextRobot, Name: name}
	f.robots[name] = r
	cp := *r
	return &cp, nil
}

func (f *fakeStore) AddNode(_ context.Context, p store.AddNodeParams) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addOrder = append(f.addOrder, p.RobotID)
	hash := types.HashContent(p.Content)
	if id, ok := f.byHash[hash]; ok {
		return id, false, nil
	}
	f.nextNode++
	id := f.nextNode
	f.byHash[hash] = id
	f.nodes[id] = &types.Node{ID: id, Content: p.Content, TokenCount: p.TokenCount, Metadata: p.Metadata}
	f.tokens[id] = p.TokenCount
	return id, true, nil
}

func (f *fakeStore) GetNode(_ context.Context, id int64) (*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, types.NotFound("node", id)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) UpdateNodeEmbedding(context.Context, int64, []float32, int) error { return nil }

func (f *fakeStore) AddTagToNode(context.Context, int64, string) ([]types.Tag, error) {
	return nil, nil
}

func (f *fakeStore) SampleTags(context.Context, int) ([]string, error) { return nil, nil }

func (f *fakeStore) SetWorkingMemory(_ context.Context, robotID int64, nodeIDs ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setLocked(robotID, nodeIDs...)
	return nil
}

func (f *fakeStore) setLocked(robotID int64, nodeIDs ...int64) {
	set, ok := f.working[robotID]
	if !ok {
		set = map[int64]bool{}
		f.working[robotID] = set
	}
	for _, id := range nodeIDs {
		set[id] = true
	}
}

func (f *fakeStore) ClearWorkingFlags(_ context.Context, robotID int64, nodeIDs ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range nodeIDs {
		delete(f.working[robotID], id)
	}
	return nil
}

func (f *fakeStore) WorkingSetIDs(_ context.Context, robotID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.working[robotID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStore) WorkingSet(_ context.Context, robotID int64) ([]types.WorkingNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.working[robotID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.WorkingNode, len(ids))
	for i, id := range ids {
		out[i] = types.WorkingNode{Node: types.Node{ID: id, TokenCount: f.tokens[id]}}
	}
	return out, nil
}

func (f *fakeStore) TransferWorkingMemory(_ context.Context, src, dst int64, clearSource bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, transferCall{src: src, dst: dst, clearSource: clearSource})
	var moved int64
	for id := range f.working[src] {
		f.setLocked(dst, id)
		moved++
	}
	if clearSource {
		f.working[src] = map[int64]bool{}
	}
	return moved, nil
}

func (f *fakeStore) TouchRobot(context.Context, int64) error { return nil }

func (f *fakeStore) has(robotID, nodeID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.working[robotID][nodeID]
}

type fakeSearcher struct {
	mu       sync.Mutex
	gotQuery string
	gotOpts  search.Options
	results  []types.SearchResult
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts search.Options) ([]types.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotQuery = query
	f.gotOpts = opts
	return f.results, nil
}

type published struct {
	group string
	ev    notify.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(_ context.Context, group string, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{group: group, ev: ev})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

type fixture struct {
	st   *fakeStore
	sets *workmem.Sets
	srch *fakeSearcher
	pub  *fakePublisher
	g    *Group
}

func newFixture(name string) *fixture {
	st := newFakeStore()
	sets := workmem.NewSets(8192)
	wf := enrich.New(enrich.Config{
		Store:   st,
		Counter: tokenizer.NewHeuristic(),
		Runner:  jobs.New(config.JobsConfig{Backend: jobs.BackendInline}),
		Sets:    sets,
	})
	srch := &fakeSearcher{}
	pub := &fakePublisher{}
	g := New(Config{Name: name, Store: st, Workflow: wf, Searcher: srch, Publisher: pub, Sets: sets})
	return &fixture{st: st, sets: sets, srch: srch, pub: pub, g: g}
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

func TestMembershipLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")

	alpha, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), alpha.ID)
	_, err = f.g.AddPassive(ctx, "bravo")
	require.NoError(t, err)

	// One role per robot, no doubles in either set.
	_, err = f.g.AddActive(ctx, "alpha")
	assert.True(t, types.IsKind(err, types.KindValidation))
	_, err = f.g.AddPassive(ctx, "alpha")
	assert.True(t, types.IsKind(err, types.KindValidation))

	require.NoError(t, f.g.Promote("bravo"))
	assert.Equal(t, []string{"alpha", "bravo"}, f.g.Actives())
	assert.Empty(t, f.g.Passives())

	require.NoError(t, f.g.Demote("alpha"))
	assert.Equal(t, []string{"bravo"}, f.g.Actives())
	assert.Equal(t, []string{"alpha"}, f.g.Passives())

	err = f.g.Demote("bravo")
	assert.True(t, types.IsKind(err, types.KindValidation), "last active must stay")

	require.NoError(t, f.g.Remove("alpha"))
	assert.Empty(t, f.g.Passives())
	assert.True(t, types.IsKind(f.g.Remove("ghost"), types.KindNotFound))
}

func TestFailoverPromotesFirstPassive(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")
	_, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.g.AddPassive(ctx, "standby-1")
	require.NoError(t, err)
	_, err = f.g.AddPassive(ctx, "standby-2")
	require.NoError(t, err)

	promoted, err := f.g.Failover()
	require.NoError(t, err)
	assert.Equal(t, "standby-1", promoted.Name)
	assert.Equal(t, []string{"alpha", "standby-1"}, f.g.Actives())
	assert.Equal(t, []string{"standby-2"}, f.g.Passives())

	_, err = f.g.Failover()
	require.NoError(t, err)
	_, err = f.g.Failover()
	assert.True(t, types.IsKind(err, types.KindValidation), "nothing left to promote")
}

// =============================================================================
// REMEMBER
// =============================================================================

func TestRememberRoundRobinsAcrossActives(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")
	_, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.g.AddActive(ctx, "bravo")
	require.NoError(t, err)

	for _, content := range []string{"first fact", "second fact", "third fact"} {
		_, err := f.g.Remember(ctx, RememberParams{Content: content})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 1}, f.st.addOrder)
}

func TestRememberStatedOriginator(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")
	_, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	bravo, err := f.g.AddPassive(ctx, "bravo")
	require.NoError(t, err)

	// A passive member can still be named as the write's origin.
	_, err = f.g.Remember(ctx, RememberParams{Content: "pinned to bravo", Originator: "bravo"})
	require.NoError(t, err)
	assert.Equal(t, []int64{bravo.ID}, f.st.addOrder)

	_, err = f.g.Remember(ctx, RememberParams{Content: "whatever", Originator: "ghost"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestRememberRequiresActiveMember(t *testing.T) {
	f := newFixture("fleet")
	_, err := f.g.Remember(context.Background(), RememberParams{Content: "nobody home"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestRememberSharesNodeAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")
	alpha, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	bravo, err := f.g.AddActive(ctx, "bravo")
	require.NoError(t, err)
	charlie, err := f.g.AddPassive(ctx, "charlie")
	require.NoError(t, err)

	res, err := f.g.Remember(ctx, RememberParams{Content: "shared across the fleet"})
	require.NoError(t, err)

	// Every member holds the node, originator included.
	for _, id := range []int64{alpha.ID, bravo.ID, charlie.ID} {
		assert.True(t, f.st.has(id, res.NodeID), "robot %d missing node", id)
	}

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "fleet", events[0].group)
	assert.Equal(t, notify.EventAdded, events[0].ev.Event)
	require.NotNil(t, events[0].ev.NodeID)
	assert.Equal(t, res.NodeID, *events[0].ev.NodeID)
	assert.Equal(t, alpha.ID, events[0].ev.RobotID)
}

// =============================================================================
// RECALL
// =============================================================================

func TestRecallScopesToMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture("fleet")
	alpha, err := f.g.AddActive(ctx, "alpha")
	require.NoError(t, err)
	bravo, err := f.g.AddPassive(ctx, "bravo")
	require.NoError(t, err)

	f.srch.results = []types.SearchResult{{Node: &types.Node{ID: 3}}}
	got, err := f.g.Recall(ctx, RecallParams{Query: "deploy window", Limit: 5, Strategy: search.StrategyFulltext})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.Equal(t, "deploy window", f.srch.gotQuery)
	assert.Equal(t, []int64{alpha.ID, bravo.ID}, f.srch.gotOpts.RobotIDs)
	assert.Equal(t, 5, f.srch.gotOpts.Limit)
	assert.Equal(t, search.StrategyFulltext, f.srch.gotOpts.Strategy)
}

func TestRecallRequiresMembers(t *testing.T) {
	f := newFixture("fleet")
	_, err := f.g.Recall(context.Background(), RecallParams{Query: "anything"})
	assert.True(t, types.IsKind(err, types.KindValidation))
}
