package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ProjectMeta mirrors the Project entity for projects/<slug>/meta.json.
type ProjectMeta struct {
	ID        int64  `json:"id"`
	Slug      string `json:"slug"`
	HumanKey  string `json:"human_key"`
	CreatedAt string `json:"created_at"`
}

// AgentSnapshot mirrors the Agent entity for projects/<slug>/agents/<name>.json.
type AgentSnapshot struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
	CreatedAt       string `json:"created_at"`
}

// MessageSnapshot mirrors the Message entity for projects/<slug>/messages/<id>.json.
type MessageSnapshot struct {
	ID         int64    `json:"id"`
	SenderName string   `json:"sender"`
	Subject    string   `json:"subject"`
	Importance string   `json:"importance"`
	ThreadID   string   `json:"thread_id,omitempty"`
	CreatedTs  string   `json:"created_ts"`
	Recipients []string `json:"recipients"`
	BodyMD     string   `json:"-"`
}

// ReservationSnapshot mirrors FileReservation for
// projects/<slug>/reservations/<uuid>.json.
type ReservationSnapshot struct {
	UUID       string   `json:"uuid"`
	AgentName  string   `json:"agent"`
	Patterns   []string `json:"patterns"`
	AcquiredAt string   `json:"acquired_at"`
	ExpiresAt  string   `json:"expires_at"`
	Status     string   `json:"status"`
}

// BuildSlotSnapshot mirrors BuildSlot for projects/<slug>/build_slots/<id>.json.
type BuildSlotSnapshot struct {
	ID         int64  `json:"id"`
	SlotName   string `json:"slot_name"`
	AgentName  string `json:"agent"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
	Status     string `json:"status"`
}

// ProjectSnapshot is everything needed to materialize one project into the
// archive working tree.
type ProjectSnapshot struct {
	Slug         string
	Meta         ProjectMeta
	Agents       []AgentSnapshot
	Messages     []MessageSnapshot
	Reservations []ReservationSnapshot
	BuildSlots   []BuildSlotSnapshot
}

// WriteProjectSnapshot materializes snap into
// projects/<slug>/{meta.json,agents/*.json,messages/*.json (+.md),
// reservations/*.json,build_slots/*.json} under the archive root,
// overwriting any existing files for this project. Inputs are sorted by
// their natural key before marshaling so identical relational state always
// produces an identical tree -- the invariant that makes archive commits
// content-addressed and diffable.
func (a *Archive) WriteProjectSnapshot(snap ProjectSnapshot) error {
	base := filepath.Join(a.root, "projects", snap.Slug)
	dirs := []string{base, filepath.Join(base, "agents"), filepath.Join(base, "messages"),
		filepath.Join(base, "reservations"), filepath.Join(base, "build_slots")}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir %s: %w", d, err)
		}
	}

	if err := writeJSON(filepath.Join(base, "meta.json"), snap.Meta); err != nil {
		return err
	}

	agents := append([]AgentSnapshot(nil), snap.Agents...)
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	for _, ag := range agents {
		if err := writeJSON(filepath.Join(base, "agents", ag.Name+".json"), ag); err != nil {
			return err
		}
	}

	msgs := append([]MessageSnapshot(nil), snap.Messages...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	for _, m := range msgs {
		name := fmt.Sprintf("%d", m.ID)
		body := m.BodyMD
		m.BodyMD = ""
		if err := writeJSON(filepath.Join(base, "messages", name+".json"), m); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(base, "messages", name+".md"), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write message body %s: %w", name, err)
		}
	}

	res := append([]ReservationSnapshot(nil), snap.Reservations...)
	sort.Slice(res, func(i, j int) bool { return res[i].UUID < res[j].UUID })
	for _, r := range res {
		if err := writeJSON(filepath.Join(base, "reservations", r.UUID+".json"), r); err != nil {
			return err
		}
	}

	slots := append([]BuildSlotSnapshot(nil), snap.BuildSlots...)
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	for _, s := range slots {
		name := fmt.Sprintf("%d", s.ID)
		if err := writeJSON(filepath.Join(base, "build_slots", name+".json"), s); err != nil {
			return err
		}
	}

	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
