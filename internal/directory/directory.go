// Package directory defines the party directory adapter contract: given a
// party id, resolve its display name, optional email, and kind, and for
// groups enumerate approved members. It is an external collaborator the
// core consumes through the Directory interface; StaticDirectory is the
// reference adapter wired by the CLI.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/relaynet/notifydispatch/internal/types"
)

// ErrNotFound is returned by Resolve when a party id is unknown.
var ErrNotFound = errors.New("party not found")

// Directory resolves party ids to display identity and, for groups, to
// their approved membership. No side effects.
type Directory interface {
	Resolve(ctx context.Context, partyID uint64) (types.Party, error)
	MembersOf(ctx context.Context, groupID uint64) ([]uint64, error)
}

// entry is the on-disk shape of one directory record.
type entry struct {
	Name    string   `json:"name"`
	Email   string   `json:"email,omitempty"`
	Kind    string   `json:"kind"`
	Members []uint64 `json:"members,omitempty"`
}

// StaticDirectory is an in-memory Directory loaded once from a JSON file.
type StaticDirectory struct {
	parties map[uint64]types.Party
	members map[uint64][]uint64
}

// LoadStatic reads a JSON directory file of the shape:
//
//	{"10": {"name":"Bob","email":"bob@b","kind":"individual"},
//	 "30": {"name":"Team","kind":"group","members":[40,50]}}
func LoadStatic(path string) (*StaticDirectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open directory file %s", path)
	}
	defer f.Close()

	var raw map[string]entry
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode directory JSON")
	}

	d := &StaticDirectory{
		parties: make(map[uint64]types.Party, len(raw)),
		members: make(map[uint64][]uint64, len(raw)),
	}
	for idStr, e := range raw {
		var id uint64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return nil, errors.Wrapf(err, "invalid party id key %q", idStr)
		}
		p := types.Party{ID: id, Name: e.Name}
		switch e.Kind {
		case "group":
			p.Kind = types.KindGroup
		default:
			p.Kind = types.KindIndividual
		}
		if e.Email != "" {
			email := e.Email
			p.Email = &email
		}
		d.parties[id] = p
		if len(e.Members) > 0 {
			d.members[id] = append([]uint64(nil), e.Members...)
		}
	}
	return d, nil
}

// NewInMemory builds a StaticDirectory directly from parties/members maps,
// primarily for tests.
func NewInMemory(parties map[uint64]types.Party, members map[uint64][]uint64) *StaticDirectory {
	d := &StaticDirectory{parties: map[uint64]types.Party{}, members: map[uint64][]uint64{}}
	for k, v := range parties {
		d.parties[k] = v
	}
	for k, v := range members {
		d.members[k] = append([]uint64(nil), v...)
	}
	return d
}

func (d *StaticDirectory) Resolve(_ context.Context, partyID uint64) (types.Party, error) {
	p, ok := d.parties[partyID]
	if !ok {
		return types.Party{}, errors.Wrapf(ErrNotFound, "party %d", partyID)
	}
	return p, nil
}

func (d *StaticDirectory) MembersOf(_ context.Context, groupID uint64) ([]uint64, error) {
	return append([]uint64(nil), d.members[groupID]...), nil
}
