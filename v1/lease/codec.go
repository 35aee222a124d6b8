package lease

import (
	"encoding/json"
	"time"
)

// Codec converts a Table to and from the text stored in the medium.
type Codec interface {
	Encode(t Table) (string, error)
	Decode(data string) (Table, error)
}

// record is the persisted shape of a lease: integer owner and milliseconds
// since the epoch.
type record struct {
	Owner      int64 `json:"owner"`
	AcquiredAt int64 `json:"acquiredAt"`
}

// JSONCodec implements Codec as a JSON object keyed by resource identifier.
type JSONCodec struct{}

func (JSONCodec) Encode(t Table) (string, error) {
	out := make(map[string]record, len(t))
	for id, l := range t {
		out[string(id)] = record{Owner: int64(l.Owner), AcquiredAt: l.AcquiredAt.UnixMilli()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (JSONCodec) Decode(data string) (Table, error) {
	var in map[string]record
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return nil, err
	}
	t := make(Table, len(in))
	for id, r := range in {
		t[ResourceID(id)] = Lease{Owner: OwnerID(r.Owner), AcquiredAt: time.UnixMilli(r.AcquiredAt)}
	}
	return t, nil
}
