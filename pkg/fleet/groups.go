package fleet

import (
	"context"
	"errors"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/store"
)

type GroupInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// GroupDetail is a group with its current member uuids.
type GroupDetail struct {
	store.Group
	AgentUUIDs []string `json:"agent_uuids"`
}

func (r *Registry) ListGroups(ctx context.Context) ([]store.Group, error) {
	var groups []store.Group
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&groups).Error; err != nil {
		return nil, apperr.Internal("list groups", err)
	}
	return groups, nil
}

func (r *Registry) GetGroup(ctx context.Context, id uint) (*GroupDetail, error) {
	group, err := loadGroup(r.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	var members []string
	if err := r.db.WithContext(ctx).Model(&store.AgentGroup{}).
		Where("group_id = ?", id).Order("agent_uuid").Pluck("agent_uuid", &members).Error; err != nil {
		return nil, apperr.Internal("load group members", err)
	}
	if members == nil {
		members = []string{}
	}
	return &GroupDetail{Group: *group, AgentUUIDs: members}, nil
}

func (r *Registry) CreateGroup(ctx context.Context, in GroupInput) (*store.Group, error) {
	name := strings.TrimSpace(derefString(in.Name))
	if name == "" {
		return nil, apperr.Validation("Group name is required")
	}
	group := store.Group{Name: name, Description: trimmedOrNil(in.Description)}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueGroupName(tx, name, 0); err != nil {
			return err
		}
		return tx.Create(&group).Error
	})
	if err != nil {
		return nil, wrapGroupErr("create group", err)
	}
	return &group, nil
}

func (r *Registry) UpdateGroup(ctx context.Context, id uint, in GroupInput) (*store.Group, error) {
	var group *store.Group
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGroup(tx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return apperr.Validation("Group name is required")
			}
			if err := ensureUniqueGroupName(tx, name, id); err != nil {
				return err
			}
			g.Name = name
		}
		if in.Description != nil {
			g.Description = trimmedOrNil(in.Description)
		}
		group = g
		return tx.Save(g).Error
	})
	if err != nil {
		return nil, wrapGroupErr("update group", err)
	}
	return group, nil
}

// DeleteGroup removes the group and its memberships, recomputing the
// primary group of every former member.
func (r *Registry) DeleteGroup(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadGroup(tx, id); err != nil {
			return err
		}
		var members []string
		if err := tx.Model(&store.AgentGroup{}).Where("group_id = ?", id).Pluck("agent_uuid", &members).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", id).Delete(&store.AgentGroup{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&store.Group{}, id).Error; err != nil {
			return err
		}
		return recomputePrimaryGroups(tx, members)
	})
	return wrapGroupErr("delete group", err)
}

// AssignAgents makes agentUUIDs the exact member set of the group. Only the
// symmetric difference against current membership is written, and every
// touched agent's primary group is recomputed in the same transaction.
func (r *Registry) AssignAgents(ctx context.Context, groupID uint, agentUUIDs []string) (added, removed int, err error) {
	target := map[string]struct{}{}
	for _, u := range agentUUIDs {
		if u = strings.TrimSpace(u); u != "" {
			target[u] = struct{}{}
		}
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadGroup(tx, groupID); err != nil {
			return err
		}
		if len(target) > 0 {
			var n int64
			if err := tx.Model(&store.Agent{}).Where("uuid IN ?", keys(target)).Count(&n).Error; err != nil {
				return err
			}
			if int(n) != len(target) {
				return apperr.Validation("One or more agents not found")
			}
		}

		var current []string
		if err := tx.Model(&store.AgentGroup{}).Where("group_id = ?", groupID).Pluck("agent_uuid", &current).Error; err != nil {
			return err
		}
		currentSet := map[string]struct{}{}
		for _, u := range current {
			currentSet[u] = struct{}{}
		}

		var toAdd, toRemove []string
		for u := range target {
			if _, ok := currentSet[u]; !ok {
				toAdd = append(toAdd, u)
			}
		}
		for u := range currentSet {
			if _, ok := target[u]; !ok {
				toRemove = append(toRemove, u)
			}
		}
		sort.Strings(toAdd)
		sort.Strings(toRemove)

		if len(toRemove) > 0 {
			if err := tx.Where("group_id = ? AND agent_uuid IN ?", groupID, toRemove).Delete(&store.AgentGroup{}).Error; err != nil {
				return err
			}
		}
		for _, u := range toAdd {
			if err := tx.Create(&store.AgentGroup{AgentUUID: u, GroupID: groupID}).Error; err != nil {
				return err
			}
		}
		added, removed = len(toAdd), len(toRemove)
		return recomputePrimaryGroups(tx, append(toAdd, toRemove...))
	})
	if err != nil {
		return 0, 0, wrapGroupErr("assign group agents", err)
	}
	r.log.Info().Uint("group_id", groupID).Int("added", added).Int("removed", removed).Msg("group membership updated")
	return added, removed, nil
}

// recomputePrimaryGroups sets each agent's legacy group_id to the lowest
// group id it still belongs to, or NULL.
func recomputePrimaryGroups(tx *gorm.DB, agentUUIDs []string) error {
	for _, u := range agentUUIDs {
		var ids []uint
		if err := tx.Model(&store.AgentGroup{}).Where("agent_uuid = ?", u).
			Order("group_id ASC").Limit(1).Pluck("group_id", &ids).Error; err != nil {
			return err
		}
		var primary *uint
		if len(ids) > 0 {
			primary = &ids[0]
		}
		if err := tx.Model(&store.Agent{}).Where("uuid = ?", u).Update("group_id", primary).Error; err != nil {
			return err
		}
	}
	return nil
}

func loadGroup(db *gorm.DB, id uint) (*store.Group, error) {
	var g store.Group
	err := db.First(&g, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Group not found")
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func ensureUniqueGroupName(tx *gorm.DB, name string, exceptID uint) error {
	var n int64
	q := tx.Model(&store.Group{}).Where("LOWER(name) = LOWER(?)", name)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return apperr.Conflict("Group name already exists")
	}
	return nil
}

// wrapGroupErr passes domain errors through and wraps storage errors.
func wrapGroupErr(op string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict("Group name already exists")
	}
	return apperr.Wrap(op, err)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
