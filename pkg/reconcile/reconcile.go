// Package reconcile merges the optimistic local message projection with
// authoritative remote snapshots into a single consistent projection.
//
// Remote messages are upserted by canonical id, so duplicate delivery of
// the same snapshot (reconnects) is idempotent. An optimistic entry whose
// sender, content and approximate send time match an incoming canonical
// message is adopted in place: the temporary id is dropped and the server
// copy wins. Pending messages that have not appeared remotely are never
// dropped. Full snapshots additionally retire canonical messages the
// server no longer has, so deletes propagate to the other participant.
package reconcile

import (
	"sort"
	"time"

	"dmsync/pkg/delivery"
	"dmsync/pkg/ids"
	"dmsync/pkg/models"
	"dmsync/pkg/telemetry"
)

// MatchWindow bounds how far a server timestamp may drift from the
// provisional client clock for an optimistic entry to still be adopted.
const MatchWindow = 5 * time.Minute

// Merge returns the new projection for proj after applying snap. Inputs
// are not mutated. snap must be ordered by server timestamp ascending,
// full or incremental; the result is sorted by createdAt with canonical
// id order breaking ties.
func Merge(proj []models.Message, snap []models.Message) []models.Message {
	out := models.CloneAll(proj)
	byID := make(map[string]int, len(out))
	for i, m := range out {
		byID[m.ID] = i
	}

	for _, rm := range snap {
		nm := normalize(rm)
		if i, ok := byID[nm.ID]; ok {
			// Same canonical id seen before: overwrite, never append.
			out[i] = nm
			continue
		}
		if j := matchOptimistic(out, nm); j >= 0 {
			delete(byID, out[j].ID)
			out[j] = nm
			byID[nm.ID] = j
			telemetry.MessagesAdopted.Inc()
			continue
		}
		out = append(out, nm)
		byID[nm.ID] = len(out) - 1
	}

	Sort(out)
	telemetry.ReconcilePasses.Inc()
	return out
}

// MergeFull applies an authoritative full snapshot: canonical-id entries
// absent from snap were deleted remotely and are dropped before the
// upsert. Temporary-id entries survive; they have not reached the server
// yet.
func MergeFull(proj []models.Message, snap []models.Message) []models.Message {
	present := make(map[string]struct{}, len(snap))
	for _, m := range snap {
		present[m.ID] = struct{}{}
	}
	kept := make([]models.Message, 0, len(proj))
	for _, m := range proj {
		if _, ok := present[m.ID]; ok || ids.IsTemp(m.ID) {
			kept = append(kept, m)
		}
	}
	return Merge(kept, snap)
}

// normalize derives the local view of a canonical remote message. The
// server copy is authoritative for content, ordering and read state.
func normalize(rm models.Message) models.Message {
	m := rm.Clone()
	m.Delivered = true
	if m.Read {
		m.State = delivery.StateRead
	} else {
		m.State = delivery.StateDelivered
	}
	return m
}

// matchOptimistic finds the oldest unconfirmed temporary-id entry that
// plausibly is the same logical send as rm, or -1.
func matchOptimistic(proj []models.Message, rm models.Message) int {
	best := -1
	for i, m := range proj {
		if !ids.IsTemp(m.ID) || !delivery.Unconfirmed(m.State) {
			continue
		}
		if m.SenderID != rm.SenderID || m.Content != rm.Content {
			continue
		}
		drift := rm.CreatedAt - m.CreatedAt
		if drift < 0 {
			drift = -drift
		}
		if drift > int64(MatchWindow) {
			continue
		}
		if best == -1 || proj[i].CreatedAt < proj[best].CreatedAt {
			best = i
		}
	}
	return best
}

// Sort orders a projection ascending by createdAt, ties broken by id so
// the order is deterministic.
func Sort(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// RemoveByID returns proj without the message carrying id. The second
// return reports whether anything was removed.
func RemoveByID(proj []models.Message, id string) ([]models.Message, bool) {
	for i, m := range proj {
		if m.ID == id {
			out := make([]models.Message, 0, len(proj)-1)
			out = append(out, proj[:i]...)
			out = append(out, proj[i+1:]...)
			return out, true
		}
	}
	return proj, false
}
