// Package replication implements the peer-to-peer replication
// protocol: announce/want/send rounds for Git objects and references,
// collaboration-record broadcast and full sync, a per-peer sync state
// machine with bounded retries, and the reconcile loop that heals
// partitions. Wire layout follows the length-prefixed binary format of
// the external-interface contract: a 1-byte type tag, 2-byte
// length-prefixed strings, 4-byte length-prefixed lists, raw 20-byte
// object ids, and JSON payloads for collaboration records.
package replication

import (
	"encoding/binary"
	"encoding/json"

	"github.com/AbdelStark/guts-sub000/pkg/gutserr"
	"github.com/AbdelStark/guts-sub000/pkg/types"
)

// MessageType tags a wire message.
type MessageType byte

const (
	MsgAnnounce           MessageType = 1
	MsgWant               MessageType = 2
	MsgObjectData         MessageType = 3
	MsgCollabAnnounce     MessageType = 10
	MsgCollabSyncRequest  MessageType = 16
	MsgCollabSyncResponse MessageType = 17
)

// RefUpdate is one (name -> id) change riding in an Announce. A zero
// NewID means the reference was deleted.
type RefUpdate struct {
	Name  string
	OldID types.ObjectID
	NewID types.ObjectID
}

// Announce broadcasts new objects and reference updates for one repo.
type Announce struct {
	RepoKey    string
	ObjectIDs  []types.ObjectID
	RefUpdates []RefUpdate
}

// Want requests missing objects from one peer.
type Want struct {
	RepoKey string
	IDs     []types.ObjectID
}

// ObjectData carries raw objects in response to a Want.
type ObjectData struct {
	RepoKey string
	Objects []types.Object
}

// CollabKind tags the record carried by a CollabAnnounce.
type CollabKind byte

const (
	CollabPRCreated CollabKind = iota + 1
	CollabPRUpdated
	CollabIssueCreated
	CollabIssueUpdated
	CollabCommentCreated
	CollabReviewCreated
)

// CollabAnnounce broadcasts one created or updated collaboration
// record as a JSON payload.
type CollabAnnounce struct {
	Kind   CollabKind
	Record json.RawMessage
}

// CollabSyncRequest asks a peer for a full collaboration dump for one
// repo, used on first contact or after an extended partition.
type CollabSyncRequest struct {
	RepoKey string
}

// CollabSyncResponse is the full dump answering a CollabSyncRequest.
type CollabSyncResponse struct {
	RepoKey      string              `json:"repo_key"`
	PullRequests []types.PullRequest `json:"pull_requests"`
	Issues       []types.Issue       `json:"issues"`
	Comments     []types.Comment     `json:"comments"`
	Reviews      []types.Review      `json:"reviews"`
}

// Message is the decoded form of one wire frame.
type Message struct {
	Type               MessageType
	Announce           *Announce
	Want               *Want
	ObjectData         *ObjectData
	CollabAnnounce     *CollabAnnounce
	CollabSyncRequest  *CollabSyncRequest
	CollabSyncResponse *CollabSyncResponse
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte)    { e.buf = append(e.buf, v) }
func (e *encoder) u16(v int)    { e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v)) }
func (e *encoder) u32(v int)    { e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v)) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) str(s string) {
	e.u16(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) blob(b []byte) {
	e.u32(len(b))
	e.buf = append(e.buf, b...)
}

type decoder struct {
	buf []byte
}

func (d *decoder) fail(what string) error {
	return gutserr.New(gutserr.InvalidInput, "replication.decode", "truncated "+what)
}

func (d *decoder) u8(what string) (byte, error) {
	if len(d.buf) < 1 {
		return 0, d.fail(what)
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v, nil
}

func (d *decoder) u16(what string) (int, error) {
	if len(d.buf) < 2 {
		return 0, d.fail(what)
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return int(v), nil
}

func (d *decoder) u32(what string) (int, error) {
	if len(d.buf) < 4 {
		return 0, d.fail(what)
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return int(v), nil
}

func (d *decoder) take(n int, what string) ([]byte, error) {
	if len(d.buf) < n {
		return nil, d.fail(what)
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b, nil
}

func (d *decoder) str(what string) (string, error) {
	n, err := d.u16(what + " length")
	if err != nil {
		return "", err
	}
	b, err := d.take(n, what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) objectID(what string) (types.ObjectID, error) {
	b, err := d.take(20, what)
	if err != nil {
		return types.ObjectID{}, err
	}
	var id types.ObjectID
	copy(id[:], b)
	return id, nil
}

// Encode renders a frame ready to put on the wire.
func (a *Announce) Encode() []byte {
	e := &encoder{}
	e.u8(byte(MsgAnnounce))
	e.str(a.RepoKey)
	e.u32(len(a.ObjectIDs))
	for _, id := range a.ObjectIDs {
		e.raw(id[:])
	}
	e.u32(len(a.RefUpdates))
	for _, ru := range a.RefUpdates {
		e.str(ru.Name)
		e.raw(ru.OldID[:])
		e.raw(ru.NewID[:])
	}
	return e.buf
}

// Encode renders a frame ready to put on the wire.
func (w *Want) Encode() []byte {
	e := &encoder{}
	e.u8(byte(MsgWant))
	e.str(w.RepoKey)
	e.u32(len(w.IDs))
	for _, id := range w.IDs {
		e.raw(id[:])
	}
	return e.buf
}

// Encode renders a frame ready to put on the wire. Each object is a
// type byte followed by length-prefixed data; ids are recomputed on
// receipt, so the content hash is the authenticity check.
func (o *ObjectData) Encode() []byte {
	e := &encoder{}
	e.u8(byte(MsgObjectData))
	e.str(o.RepoKey)
	e.u32(len(o.Objects))
	for _, obj := range o.Objects {
		e.u8(byte(obj.Kind))
		e.blob(obj.Data)
	}
	return e.buf
}

// Encode renders a frame ready to put on the wire.
func (c *CollabAnnounce) Encode() []byte {
	e := &encoder{}
	e.u8(byte(MsgCollabAnnounce))
	e.u8(byte(c.Kind))
	e.blob(c.Record)
	return e.buf
}

// Encode renders a frame ready to put on the wire.
func (c *CollabSyncRequest) Encode() []byte {
	e := &encoder{}
	e.u8(byte(MsgCollabSyncRequest))
	e.str(c.RepoKey)
	return e.buf
}

// Encode renders the full dump as a JSON payload behind the type tag.
func (c *CollabSyncResponse) Encode() ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "replication.Encode", "encode sync response", err)
	}
	e := &encoder{}
	e.u8(byte(MsgCollabSyncResponse))
	e.blob(payload)
	return e.buf, nil
}

// Decode parses one wire frame.
func Decode(data []byte) (*Message, error) {
	d := &decoder{buf: data}
	tag, err := d.u8("message type")
	if err != nil {
		return nil, err
	}

	switch MessageType(tag) {
	case MsgAnnounce:
		return decodeAnnounce(d)
	case MsgWant:
		return decodeWant(d)
	case MsgObjectData:
		return decodeObjectData(d)
	case MsgCollabAnnounce:
		return decodeCollabAnnounce(d)
	case MsgCollabSyncRequest:
		repoKey, err := d.str("repo key")
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgCollabSyncRequest, CollabSyncRequest: &CollabSyncRequest{RepoKey: repoKey}}, nil
	case MsgCollabSyncResponse:
		return decodeCollabSyncResponse(d)
	default:
		return nil, gutserr.New(gutserr.InvalidInput, "replication.Decode", "unknown message type")
	}
}

func decodeAnnounce(d *decoder) (*Message, error) {
	a := &Announce{}
	var err error
	if a.RepoKey, err = d.str("repo key"); err != nil {
		return nil, err
	}

	n, err := d.u32("object count")
	if err != nil {
		return nil, err
	}
	a.ObjectIDs = make([]types.ObjectID, 0, n)
	for i := 0; i < n; i++ {
		id, err := d.objectID("object id")
		if err != nil {
			return nil, err
		}
		a.ObjectIDs = append(a.ObjectIDs, id)
	}

	n, err = d.u32("ref count")
	if err != nil {
		return nil, err
	}
	a.RefUpdates = make([]RefUpdate, 0, n)
	for i := 0; i < n; i++ {
		var ru RefUpdate
		if ru.Name, err = d.str("ref name"); err != nil {
			return nil, err
		}
		if ru.OldID, err = d.objectID("ref old id"); err != nil {
			return nil, err
		}
		if ru.NewID, err = d.objectID("ref new id"); err != nil {
			return nil, err
		}
		a.RefUpdates = append(a.RefUpdates, ru)
	}
	return &Message{Type: MsgAnnounce, Announce: a}, nil
}

func decodeWant(d *decoder) (*Message, error) {
	w := &Want{}
	var err error
	if w.RepoKey, err = d.str("repo key"); err != nil {
		return nil, err
	}
	n, err := d.u32("want count")
	if err != nil {
		return nil, err
	}
	w.IDs = make([]types.ObjectID, 0, n)
	for i := 0; i < n; i++ {
		id, err := d.objectID("object id")
		if err != nil {
			return nil, err
		}
		w.IDs = append(w.IDs, id)
	}
	return &Message{Type: MsgWant, Want: w}, nil
}

func decodeObjectData(d *decoder) (*Message, error) {
	o := &ObjectData{}
	var err error
	if o.RepoKey, err = d.str("repo key"); err != nil {
		return nil, err
	}
	n, err := d.u32("object count")
	if err != nil {
		return nil, err
	}
	o.Objects = make([]types.Object, 0, n)
	for i := 0; i < n; i++ {
		kind, err := d.u8("object type")
		if err != nil {
			return nil, err
		}
		if !types.ObjectKind(kind).Valid() {
			return nil, gutserr.New(gutserr.InvalidInput, "replication.Decode", "invalid object type byte")
		}
		size, err := d.u32("object size")
		if err != nil {
			return nil, err
		}
		data, err := d.take(size, "object data")
		if err != nil {
			return nil, err
		}
		o.Objects = append(o.Objects, types.NewObject(types.ObjectKind(kind), append([]byte(nil), data...)))
	}
	return &Message{Type: MsgObjectData, ObjectData: o}, nil
}

func decodeCollabAnnounce(d *decoder) (*Message, error) {
	kind, err := d.u8("collab kind")
	if err != nil {
		return nil, err
	}
	size, err := d.u32("record size")
	if err != nil {
		return nil, err
	}
	record, err := d.take(size, "record")
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgCollabAnnounce, CollabAnnounce: &CollabAnnounce{
		Kind:   CollabKind(kind),
		Record: json.RawMessage(append([]byte(nil), record...)),
	}}, nil
}

func decodeCollabSyncResponse(d *decoder) (*Message, error) {
	size, err := d.u32("dump size")
	if err != nil {
		return nil, err
	}
	payload, err := d.take(size, "dump")
	if err != nil {
		return nil, err
	}
	resp := &CollabSyncResponse{}
	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, gutserr.Wrap(gutserr.InvalidInput, "replication.Decode", "decode sync response", err)
	}
	return &Message{Type: MsgCollabSyncResponse, CollabSyncResponse: resp}, nil
}
