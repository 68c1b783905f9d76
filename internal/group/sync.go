package group

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"engram/internal/notify"
	"engram/internal/types"
)

// How long event-driven sync work may take before it is abandoned.
const eventSyncTimeout = 10 * time.Second

// =============================================================================
// CONVERGENCE
// =============================================================================

// SyncReport summarizes a SyncAll pass.
type SyncReport struct {
	SyncedNodes    int `json:"synced_nodes"`
	MembersUpdated int `json:"members_updated"`
}

// SyncRobot backfills the named member's working set with every node some
// other member already holds. Returns how many nodes were added.
func (g *Group) SyncRobot(ctx context.Context, name string) (int, error) {
	m, err := g.member(name)
	if err != nil {
		return 0, err
	}
	union, err := g.unionIDs(ctx)
	if err != nil {
		return 0, err
	}
	return g.syncMember(ctx, m, union)
}

// SyncAll converges every member onto the union of all working sets.
func (g *Group) SyncAll(ctx context.Context) (*SyncReport, error) {
	union, err := g.unionIDs(ctx)
	if err != nil {
		return nil, err
	}
	rep := &SyncReport{}
	for _, m := range g.memberList() {
		n, err := g.syncMember(ctx, m, union)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			rep.SyncedNodes += n
			rep.MembersUpdated++
		}
	}
	g.log.Info("group synced",
		zap.Int("synced_nodes", rep.SyncedNodes), zap.Int("members_updated", rep.MembersUpdated))
	return rep, nil
}

// InSync reports whether all members hold set-equal working sets.
func (g *Group) InSync(ctx context.Context) (bool, error) {
	members := g.memberList()
	if len(members) < 2 {
		return true, nil
	}

	var first map[int64]bool
	for i, m := range members {
		ids, err := g.store.WorkingSetIDs(ctx, m.ID)
		if err != nil {
			return false, err
		}
		set := make(map[int64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		if i == 0 {
			first = set
			continue
		}
		if len(set) != len(first) {
			return false, nil
		}
		for id := range set {
			if !first[id] {
				return false, nil
			}
		}
	}
	return true, nil
}

// TransferWorkingMemory copies one member's working set onto another,
// clearing the source by default. Both must be members.
func (g *Group) TransferWorkingMemory(ctx context.Context, src, dst string, clearSource bool) (int64, error) {
	from, err := g.member(src)
	if err != nil {
		return 0, err
	}
	to, err := g.member(dst)
	if err != nil {
		return 0, err
	}
	moved, err := g.store.TransferWorkingMemory(ctx, from.ID, to.ID, clearSource)
	if err != nil {
		return 0, err
	}
	g.sets.Drop(from.ID)
	g.sets.Drop(to.ID)
	g.log.Info("working memory transferred",
		zap.String("from", src), zap.String("to", dst), zap.Int64("nodes", moved))
	return moved, nil
}

// unionIDs collects the distinct working-set node ids across all members.
func (g *Group) unionIDs(ctx context.Context) (map[int64]bool, error) {
	union := map[int64]bool{}
	for _, m := range g.memberList() {
		ids, err := g.store.WorkingSetIDs(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			union[id] = true
		}
	}
	return union, nil
}

func (g *Group) syncMember(ctx context.Context, m types.Robot, union map[int64]bool) (int, error) {
	current, err := g.store.WorkingSetIDs(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	have := make(map[int64]bool, len(current))
	for _, id := range current {
		have[id] = true
	}

	var missing []int64
	for id := range union {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	if err := g.store.SetWorkingMemory(ctx, m.ID, missing...); err != nil {
		return 0, err
	}
	g.sets.Drop(m.ID)
	return len(missing), nil
}

// =============================================================================
// STATUS
// =============================================================================

// MemberStatus is one member's share of the group state.
type MemberStatus struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Nodes  int    `json:"nodes"`
	Tokens int    `json:"tokens"`
}

// Status is a point-in-time view of the group. TotalTokens counts each node
// once, however many members hold it.
type Status struct {
	Group       string         `json:"group"`
	Members     []MemberStatus `json:"members"`
	UniqueNodes int            `json:"unique_nodes"`
	TotalTokens int            `json:"total_tokens"`
	MaxTokens   int            `json:"max_tokens"`
	Utilization float64        `json:"utilization"`
	InSync      bool           `json:"in_sync"`
}

// Status reads every member's durable working set and summarizes it.
func (g *Group) Status(ctx context.Context) (*Status, error) {
	g.mu.Lock()
	active := append([]types.Robot(nil), g.active...)
	passive := append([]types.Robot(nil), g.passive...)
	g.mu.Unlock()

	st := &Status{
		Group:     g.name,
		MaxTokens: g.sets.MaxTokens(),
		InSync:    true,
	}

	unique := map[int64]int{}
	var firstSet map[int64]bool
	collect := func(r types.Robot, role string) error {
		ws, err := g.store.WorkingSet(ctx, r.ID)
		if err != nil {
			return err
		}
		ms := MemberStatus{Name: r.Name, Role: role, Nodes: len(ws)}
		set := make(map[int64]bool, len(ws))
		for _, wn := range ws {
			ms.Tokens += wn.Node.TokenCount
			unique[wn.Node.ID] = wn.Node.TokenCount
			set[wn.Node.ID] = true
		}
		st.Members = append(st.Members, ms)

		if firstSet == nil {
			firstSet = set
			return nil
		}
		if len(set) != len(firstSet) {
			st.InSync = false
			return nil
		}
		for id := range set {
			if !firstSet[id] {
				st.InSync = false
				break
			}
		}
		return nil
	}

	for _, r := range active {
		if err := collect(r, RoleActive); err != nil {
			return nil, err
		}
	}
	for _, r := range passive {
		if err := collect(r, RolePassive); err != nil {
			return nil, err
		}
	}

	st.UniqueNodes = len(unique)
	for _, tokens := range unique {
		st.TotalTokens += tokens
	}
	if st.MaxTokens > 0 {
		st.Utilization = float64(st.TotalTokens) / float64(st.MaxTokens)
	}
	return st, nil
}

// =============================================================================
// INCOMING EVENTS
// =============================================================================

// HandleEvent applies one change-channel event, typically published by
// another process sharing the group. Additions flag the node into every
// member's working set; evictions and clears invalidate the affected
// robot's in-process view so it rebuilds from the durable flags. Wire it as
// the callback of a notify listener on this group's channel.
func (g *Group) HandleEvent(ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventSyncTimeout)
	defer cancel()

	switch ev.Event {
	case notify.EventAdded:
		if ev.NodeID == nil {
			return
		}
		for _, m := range g.memberList() {
			if err := g.store.SetWorkingMemory(ctx, m.ID, *ev.NodeID); err != nil {
				g.log.Warn("event-driven sync failed",
					zap.String("robot", m.Name), zap.Int64("node_id", *ev.NodeID), zap.Error(err))
				continue
			}
			g.sets.Drop(m.ID)
		}
	case notify.EventEvicted, notify.EventCleared:
		g.sets.Drop(ev.RobotID)
	}
}
