// Package group coordinates shared memory across a set of robots. Writes go
// through the usual remember pipeline on one member and fan out to the
// others' working sets; a per-group change channel keeps instances in other
// processes converging on the same state.
package group

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"engram/internal/enrich"
	"engram/internal/logging"
	"engram/internal/notify"
	"engram/internal/search"
	"engram/internal/timeframe"
	"engram/internal/types"
	"engram/internal/workmem"
)

// Member roles.
const (
	RoleActive  = "active"
	RolePassive = "passive"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is the slice of the persistence layer group coordination needs.
// *store.Store satisfies it.
type Store interface {
	EnsureRobot(ctx context.Context, name string) (*types.Robot, error)
	SetWorkingMemory(ctx context.Context, robotID int64, nodeIDs ...int64) error
	WorkingSetIDs(ctx context.Context, robotID int64) ([]int64, error)
	WorkingSet(ctx context.Context, robotID int64) ([]types.WorkingNode, error)
	TransferWorkingMemory(ctx context.Context, srcRobot, dstRobot int64, clearSource bool) (int64, error)
}

// Searcher runs retrieval; satisfied by *search.Engine.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]types.SearchResult, error)
}

// Publisher pushes change events onto the group's channel; satisfied by
// *notify.Notifier. Nil keeps the group silent, which single-process
// deployments can live with.
type Publisher interface {
	Publish(ctx context.Context, group string, ev notify.Event) error
}

// Config wires a Group. Name, Store, Workflow, and Sets are required.
type Config struct {
	Name      string
	Store     Store
	Workflow  *enrich.Workflow
	Searcher  Searcher
	Publisher Publisher
	Sets      *workmem.Sets
}

// Group is one shared-memory collective. Membership mutates under a lock;
// the round-robin cursor is process-local.
type Group struct {
	name      string
	store     Store
	workflow  *enrich.Workflow
	searcher  Searcher
	publisher Publisher
	sets      *workmem.Sets
	log       *zap.Logger

	mu      sync.Mutex
	active  []types.Robot
	passive []types.Robot

	cursor atomic.Uint64
}

// New builds a Group. The workflow is rebound so its working-set events
// publish on this group's channel.
func New(cfg Config) *Group {
	g := &Group{
		name:      cfg.Name,
		store:     cfg.Store,
		searcher:  cfg.Searcher,
		publisher: cfg.Publisher,
		sets:      cfg.Sets,
		log:       logging.Named(logging.ComponentGroup).With(zap.String("group", cfg.Name)),
	}
	g.workflow = cfg.Workflow.WithEvents(&channelSink{g: g})
	return g
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

// =============================================================================
// MEMBERSHIP
// =============================================================================

// AddActive registers the named robot as an active member, creating the
// robot if needed. A robot can hold only one role at a time.
func (g *Group) AddActive(ctx context.Context, name string) (*types.Robot, error) {
	return g.add(ctx, name, RoleActive)
}

// AddPassive registers the named robot as a passive member.
func (g *Group) AddPassive(ctx context.Context, name string) (*types.Robot, error) {
	return g.add(ctx, name, RolePassive)
}

func (g *Group) add(ctx context.Context, name, role string) (*types.Robot, error) {
	robot, err := g.store.EnsureRobot(ctx, name)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.findLocked(robot.ID) != "" {
		return nil, types.Validationf("robot %q is already a member of group %q", name, g.name)
	}
	if role == RoleActive {
		g.active = append(g.active, *robot)
	} else {
		g.passive = append(g.passive, *robot)
	}
	g.log.Info("member added", zap.String("robot", name), zap.String("role", role))
	return robot, nil
}

// Remove drops the named robot from the group, whichever role it holds.
func (g *Group) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if removeByName(&g.active, name) || removeByName(&g.passive, name) {
		g.log.Info("member removed", zap.String("robot", name))
		return nil
	}
	return types.NotFound("group member", name)
}

// Promote moves a passive member into the active set.
func (g *Group) Promote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.passive {
		if r.Name == name {
			g.passive = append(g.passive[:i], g.passive[i+1:]...)
			g.active = append(g.active, r)
			g.log.Info("member promoted", zap.String("robot", name))
			return nil
		}
	}
	for _, r := range g.active {
		if r.Name == name {
			return types.Validationf("robot %q is already active", name)
		}
	}
	return types.NotFound("group member", name)
}

// Demote moves an active member into the passive set. The last active
// member cannot be demoted; a group must keep someone who can write.
func (g *Group) Demote(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.active {
		if r.Name != name {
			continue
		}
		if len(g.active) == 1 {
			return types.Validationf("cannot demote %q: it is the last active member", name)
		}
		g.active = append(g.active[:i], g.active[i+1:]...)
		g.passive = append(g.passive, r)
		g.log.Info("member demoted", zap.String("robot", name))
		return nil
	}
	for _, r := range g.passive {
		if r.Name == name {
			return types.Validationf("robot %q is already passive", name)
		}
	}
	return types.NotFound("group member", name)
}

// Failover promotes the first passive member to active, for when the
// current writers are gone.
func (g *Group) Failover() (*types.Robot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.passive) == 0 {
		return nil, types.Validationf("group %q has no passive members to promote", g.name)
	}
	r := g.passive[0]
	g.passive = g.passive[1:]
	g.active = append(g.active, r)
	g.log.Info("failover promoted member", zap.String("robot", r.Name))
	return &r, nil
}

// Actives returns the active member names in round-robin order.
func (g *Group) Actives() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return names(g.active)
}

// Passives returns the passive member names in failover order.
func (g *Group) Passives() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return names(g.passive)
}

func names(robots []types.Robot) []string {
	out := make([]string, len(robots))
	for i, r := range robots {
		out[i] = r.Name
	}
	return out
}

func removeByName(list *[]types.Robot, name string) bool {
	for i, r := range *list {
		if r.Name == name {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// findLocked reports the role a robot id holds, or "".
func (g *Group) findLocked(robotID int64) string {
	for _, r := range g.active {
		if r.ID == robotID {
			return RoleActive
		}
	}
	for _, r := range g.passive {
		if r.ID == robotID {
			return RolePassive
		}
	}
	return ""
}

// member resolves a name to a member robot of either role.
func (g *Group) member(name string) (types.Robot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.active {
		if r.Name == name {
			return r, nil
		}
	}
	for _, r := range g.passive {
		if r.Name == name {
			return r, nil
		}
	}
	return types.Robot{}, types.NotFound("group member", name)
}

// memberList snapshots all members, actives first.
func (g *Group) memberList() []types.Robot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.Robot, 0, len(g.active)+len(g.passive))
	out = append(out, g.active...)
	out = append(out, g.passive...)
	return out
}

// =============================================================================
// REMEMBER / RECALL
// =============================================================================

// RememberParams is one group write. Originator names the member the write
// lands on; empty round-robins across the active set.
type RememberParams struct {
	Content    string
	Tags       []string
	Metadata   map[string]any
	Importance float64
	Originator string
}

// Remember runs the full pipeline on the originator, then flags the node
// into every other member's working set. Member sync failures are logged,
// not returned: the write itself is durable by then.
func (g *Group) Remember(ctx context.Context, p RememberParams) (*enrich.RememberResult, error) {
	origin, err := g.pickOriginator(p.Originator)
	if err != nil {
		return nil, err
	}

	res, err := g.workflow.Remember(ctx, enrich.RememberParams{
		RobotID:    origin.ID,
		Content:    p.Content,
		Tags:       p.Tags,
		Metadata:   p.Metadata,
		Importance: p.Importance,
	})
	if err != nil {
		return nil, err
	}

	g.shareNode(ctx, res.NodeID, origin.ID)
	return res, nil
}

func (g *Group) pickOriginator(name string) (types.Robot, error) {
	if name != "" {
		r, err := g.member(name)
		if err != nil {
			return types.Robot{}, types.Validationf("originator %q is not a member of group %q", name, g.name)
		}
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.active) == 0 {
		return types.Robot{}, types.Validationf("group %q has no active members", g.name)
	}
	idx := int((g.cursor.Add(1) - 1) % uint64(len(g.active)))
	return g.active[idx], nil
}

// shareNode marks the node into every member's durable working set except
// the originator, which the pipeline already settled. In-process views are
// invalidated so they rebuild from the flags.
func (g *Group) shareNode(ctx context.Context, nodeID, originID int64) {
	for _, m := range g.memberList() {
		if m.ID == originID {
			continue
		}
		if err := g.store.SetWorkingMemory(ctx, m.ID, nodeID); err != nil {
			g.log.Warn("member sync failed",
				zap.String("robot", m.Name), zap.Int64("node_id", nodeID), zap.Error(err))
			continue
		}
		g.sets.Drop(m.ID)
	}
}

// RecallParams scopes a group search.
type RecallParams struct {
	Query    string
	Limit    int
	Strategy string
	Window   *timeframe.Window
}

// Recall searches across the nodes associated with any member.
func (g *Group) Recall(ctx context.Context, p RecallParams) ([]types.SearchResult, error) {
	members := g.memberList()
	if len(members) == 0 {
		return nil, types.Validationf("group %q has no members", g.name)
	}
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return g.searcher.Search(ctx, p.Query, search.Options{
		Limit:    p.Limit,
		Strategy: p.Strategy,
		RobotIDs: ids,
		Window:   p.Window,
	})
}

// =============================================================================
// CHANGE CHANNEL
// =============================================================================

// channelSink forwards the workflow's working-set changes onto the group's
// channel.
type channelSink struct {
	g *Group
}

func (s *channelSink) NodeAdded(ctx context.Context, robotID, nodeID int64) {
	s.g.publish(ctx, notify.EventAdded, &nodeID, robotID)
}

func (s *channelSink) NodeEvicted(ctx context.Context, robotID, nodeID int64) {
	s.g.publish(ctx, notify.EventEvicted, &nodeID, robotID)
}

func (g *Group) publish(ctx context.Context, event string, nodeID *int64, robotID int64) {
	if g.publisher == nil {
		return
	}
	ev := notify.Event{Event: event, NodeID: nodeID, RobotID: robotID}
	if err := g.publisher.Publish(ctx, g.name, ev); err != nil {
		g.log.Warn("change event publish failed", zap.String("event", event), zap.Error(err))
	}
}
