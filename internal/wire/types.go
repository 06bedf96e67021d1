package wire

// Hello is the first packet exchanged on a new Peer session.
type Hello struct {
	Version uint32
	PeerID  []byte
}

func (h Hello) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Version))
	b = appendBytes(b, 2, h.PeerID)
	return b
}

func UnmarshalHello(data []byte) (Hello, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	for _, f := range fields {
		switch f.num {
		case 1:
			h.Version = uint32(f.varint)
		case 2:
			h.PeerID = append([]byte(nil), f.bytes...)
		}
	}
	return h, nil
}

// LinkTBS is the to-be-signed content of a Link. ChannelID is
// never transmitted — it is injected locally by sender/receiver before
// sign/verify, so marshalWire (the form Link.Marshal embeds) never encodes
// it, whatever the field holds in memory.
type LinkTBS struct {
	TrusteePubKey       []byte
	TrusteeDisplayName  string
	ValidFrom, ValidTo  float64
	ChannelID           []byte // in-memory only, never marshaled
}

// MarshalForSigning returns the canonical TBS bytes with channelID injected.
func (l LinkTBS) MarshalForSigning(channelID []byte) []byte {
	var b []byte
	b = appendBytes(b, 1, l.TrusteePubKey)
	b = appendString(b, 2, l.TrusteeDisplayName)
	b = appendDouble(b, 3, l.ValidFrom)
	b = appendDouble(b, 4, l.ValidTo)
	b = appendBytes(b, 5, channelID)
	return b
}

func (l LinkTBS) marshalWire() []byte {
	var b []byte
	b = appendBytes(b, 1, l.TrusteePubKey)
	b = appendString(b, 2, l.TrusteeDisplayName)
	b = appendDouble(b, 3, l.ValidFrom)
	b = appendDouble(b, 4, l.ValidTo)
	// field 5 (channel_id) intentionally omitted on the wire.
	return b
}

func unmarshalLinkTBS(data []byte) (LinkTBS, error) {
	fields, err := parseFields(data)
	if err != nil {
		return LinkTBS{}, err
	}
	var l LinkTBS
	for _, f := range fields {
		switch f.num {
		case 1:
			l.TrusteePubKey = append([]byte(nil), f.bytes...)
		case 2:
			l.TrusteeDisplayName = string(f.bytes)
		case 3:
			l.ValidFrom = fieldDouble(f)
		case 4:
			l.ValidTo = fieldDouble(f)
		case 5:
			l.ChannelID = append([]byte(nil), f.bytes...)
		}
	}
	return l, nil
}

// Link is a signed delegation.
type Link struct {
	TBS       LinkTBS
	Signature []byte
}

func (l Link) Marshal() []byte {
	var b []byte
	b = appendMessage(b, 1, l.TBS.marshalWire())
	b = appendBytes(b, 2, l.Signature)
	return b
}

func UnmarshalLink(data []byte) (Link, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Link{}, err
	}
	var l Link
	for _, f := range fields {
		switch f.num {
		case 1:
			tbs, err := unmarshalLinkTBS(f.bytes)
			if err != nil {
				return Link{}, err
			}
			l.TBS = tbs
		case 2:
			l.Signature = append([]byte(nil), f.bytes...)
		}
	}
	return l, nil
}

func marshalLinkChain(field int, chain []Link) []byte {
	var b []byte
	for _, l := range chain {
		b = appendMessage(b, field, l.Marshal())
	}
	return b
}

// Invite is the payload sealed to a requester's box key.
type Invite struct {
	ChannelPubKey []byte
	ChannelName   string
	Chain         []Link
}

func (i Invite) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, i.ChannelPubKey)
	b = appendString(b, 2, i.ChannelName)
	b = append(b, marshalLinkChain(3, i.Chain)...)
	return b
}

func UnmarshalInvite(data []byte) (Invite, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Invite{}, err
	}
	var inv Invite
	for _, f := range fields {
		switch f.num {
		case 1:
			inv.ChannelPubKey = append([]byte(nil), f.bytes...)
		case 2:
			inv.ChannelName = string(f.bytes)
		case 3:
			link, err := UnmarshalLink(f.bytes)
			if err != nil {
				return Invite{}, err
			}
			inv.Chain = append(inv.Chain, link)
		}
	}
	return inv, nil
}

// EncryptedInvite carries a sealed Invite over the wire.
type EncryptedInvite struct {
	RequestID []byte
	Box       []byte
}

func (e EncryptedInvite) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, e.RequestID)
	b = appendBytes(b, 2, e.Box)
	return b
}

func UnmarshalEncryptedInvite(data []byte) (EncryptedInvite, error) {
	fields, err := parseFields(data)
	if err != nil {
		return EncryptedInvite{}, err
	}
	var e EncryptedInvite
	for _, f := range fields {
		switch f.num {
		case 1:
			e.RequestID = append([]byte(nil), f.bytes...)
		case 2:
			e.Box = append([]byte(nil), f.bytes...)
		}
	}
	return e, nil
}

// InviteRequest advertises a trustee key and box key to an inviter.
type InviteRequest struct {
	PeerID        []byte
	TrusteePubKey []byte
	BoxPubKey     []byte
}

func (r InviteRequest) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, r.PeerID)
	b = appendBytes(b, 2, r.TrusteePubKey)
	b = appendBytes(b, 3, r.BoxPubKey)
	return b
}

func UnmarshalInviteRequest(data []byte) (InviteRequest, error) {
	fields, err := parseFields(data)
	if err != nil {
		return InviteRequest{}, err
	}
	var r InviteRequest
	for _, f := range fields {
		switch f.num {
		case 1:
			r.PeerID = append([]byte(nil), f.bytes...)
		case 2:
			r.TrusteePubKey = append([]byte(nil), f.bytes...)
		case 3:
			r.BoxPubKey = append([]byte(nil), f.bytes...)
		}
	}
	return r, nil
}

// Body is the oneof{Root, json string} payload of a channel message.
type Body struct {
	IsRoot bool
	JSON   string
}

func (b Body) Marshal() []byte {
	if b.IsRoot {
		// Root{} is an empty submessage; still encode field 1 — oneof presence
		// is tracked independently of the (empty) payload.
		out := appendTag(nil, 1, wireBytes)
		return append(out, 0)
	}
	return appendString(nil, 2, b.JSON)
}

func unmarshalBody(data []byte) (Body, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Body{}, err
	}
	var b Body
	for _, f := range fields {
		switch f.num {
		case 1:
			b.IsRoot = true
		case 2:
			b.JSON = string(f.bytes)
		}
	}
	return b, nil
}

// ChannelMessageTBS is the to-be-signed content of a message.
type ChannelMessageTBS struct {
	Parents   [][]byte
	Height    int64
	Chain     []Link
	Timestamp float64
	Body      Body
}

func (t ChannelMessageTBS) Marshal() []byte {
	var b []byte
	for _, p := range t.Parents {
		b = appendBytes(b, 1, p)
	}
	b = appendInt64(b, 2, t.Height)
	b = append(b, marshalLinkChain(3, t.Chain)...)
	b = appendDouble(b, 4, t.Timestamp)
	b = appendMessage(b, 5, t.Body.Marshal())
	return b
}

func unmarshalChannelMessageTBS(data []byte) (ChannelMessageTBS, error) {
	fields, err := parseFields(data)
	if err != nil {
		return ChannelMessageTBS{}, err
	}
	var t ChannelMessageTBS
	for _, f := range fields {
		switch f.num {
		case 1:
			t.Parents = append(t.Parents, append([]byte(nil), f.bytes...))
		case 2:
			t.Height = int64(f.varint)
		case 3:
			link, err := UnmarshalLink(f.bytes)
			if err != nil {
				return ChannelMessageTBS{}, err
			}
			t.Chain = append(t.Chain, link)
		case 4:
			t.Timestamp = fieldDouble(f)
		case 5:
			body, err := unmarshalBody(f.bytes)
			if err != nil {
				return ChannelMessageTBS{}, err
			}
			t.Body = body
		}
	}
	return t, nil
}

// ChannelMessage is the signed message content that travels inside a
// BulkResponse.
type ChannelMessage struct {
	TBS       ChannelMessageTBS
	Signature []byte
}

func (m ChannelMessage) Marshal() []byte {
	var b []byte
	b = appendMessage(b, 1, m.TBS.Marshal())
	b = appendBytes(b, 2, m.Signature)
	return b
}

func UnmarshalChannelMessage(data []byte) (ChannelMessage, error) {
	fields, err := parseFields(data)
	if err != nil {
		return ChannelMessage{}, err
	}
	var m ChannelMessage
	for _, f := range fields {
		switch f.num {
		case 1:
			tbs, err := unmarshalChannelMessageTBS(f.bytes)
			if err != nil {
				return ChannelMessage{}, err
			}
			m.TBS = tbs
		case 2:
			m.Signature = append([]byte(nil), f.bytes...)
		}
	}
	return m, nil
}

// SerializedMessage is the storage-at-rest form: the encrypted
// Content blob plus the cleartext DAG metadata storage needs to index it.
type SerializedMessage struct {
	ChannelID        []byte
	Parents          [][]byte
	Height           int64
	Nonce            []byte
	EncryptedContent []byte
}

func (s SerializedMessage) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, s.ChannelID)
	for _, p := range s.Parents {
		b = appendBytes(b, 2, p)
	}
	b = appendInt64(b, 3, s.Height)
	b = appendBytes(b, 4, s.Nonce)
	b = appendBytes(b, 5, s.EncryptedContent)
	return b
}

func UnmarshalSerializedMessage(data []byte) (SerializedMessage, error) {
	fields, err := parseFields(data)
	if err != nil {
		return SerializedMessage{}, err
	}
	var s SerializedMessage
	for _, f := range fields {
		switch f.num {
		case 1:
			s.ChannelID = append([]byte(nil), f.bytes...)
		case 2:
			s.Parents = append(s.Parents, append([]byte(nil), f.bytes...))
		case 3:
			s.Height = int64(f.varint)
		case 4:
			s.Nonce = append([]byte(nil), f.bytes...)
		case 5:
			s.EncryptedContent = append([]byte(nil), f.bytes...)
		}
	}
	return s, nil
}

// Query requests an abbreviated slice of the DAG.
type Query struct {
	HasHeight  bool
	Height     int64
	Hash       []byte
	IsBackward bool
	Limit      uint32
}

func (q Query) Marshal() []byte {
	var b []byte
	if len(q.Hash) > 0 {
		b = appendBytes(b, 2, q.Hash)
	} else {
		// cursor is a oneof member: a height of exactly 0 (full-sync restart)
		// must still be encoded, so it cannot rely on appendInt64's omit-zero rule.
		b = appendVarintAlways(b, 1, uint64(q.Height))
	}
	b = appendBool(b, 3, q.IsBackward)
	b = appendVarint(b, 4, uint64(q.Limit))
	return b
}

func UnmarshalQuery(data []byte) (Query, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Query{}, err
	}
	var q Query
	for _, f := range fields {
		switch f.num {
		case 1:
			q.Height = int64(f.varint)
			q.HasHeight = true
		case 2:
			q.Hash = append([]byte(nil), f.bytes...)
			q.HasHeight = false
		case 3:
			q.IsBackward = f.varint != 0
		case 4:
			q.Limit = uint32(f.varint)
		}
	}
	return q, nil
}

// Abbreviated is a {parents, hash} pair used for cheap DAG discovery.
type Abbreviated struct {
	Parents [][]byte
	Hash    []byte
}

func (a Abbreviated) Marshal() []byte {
	var b []byte
	for _, p := range a.Parents {
		b = appendBytes(b, 1, p)
	}
	b = appendBytes(b, 2, a.Hash)
	return b
}

func unmarshalAbbreviated(data []byte) (Abbreviated, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Abbreviated{}, err
	}
	var a Abbreviated
	for _, f := range fields {
		switch f.num {
		case 1:
			a.Parents = append(a.Parents, append([]byte(nil), f.bytes...))
		case 2:
			a.Hash = append([]byte(nil), f.bytes...)
		}
	}
	return a, nil
}

// QueryResponse answers a Query.
type QueryResponse struct {
	AbbreviatedMessages []Abbreviated
	ForwardHash         []byte
	BackwardHash        []byte
}

func (r QueryResponse) Marshal() []byte {
	var b []byte
	for _, a := range r.AbbreviatedMessages {
		b = appendMessage(b, 1, a.Marshal())
	}
	b = appendBytes(b, 2, r.ForwardHash)
	b = appendBytes(b, 3, r.BackwardHash)
	return b
}

func UnmarshalQueryResponse(data []byte) (QueryResponse, error) {
	fields, err := parseFields(data)
	if err != nil {
		return QueryResponse{}, err
	}
	var r QueryResponse
	for _, f := range fields {
		switch f.num {
		case 1:
			a, err := unmarshalAbbreviated(f.bytes)
			if err != nil {
				return QueryResponse{}, err
			}
			r.AbbreviatedMessages = append(r.AbbreviatedMessages, a)
		case 2:
			r.ForwardHash = append([]byte(nil), f.bytes...)
		case 3:
			r.BackwardHash = append([]byte(nil), f.bytes...)
		}
	}
	return r, nil
}

// Bulk requests full messages by hash.
type Bulk struct {
	Hashes [][]byte
}

func (b Bulk) Marshal() []byte {
	var out []byte
	for _, h := range b.Hashes {
		out = appendBytes(out, 1, h)
	}
	return out
}

func UnmarshalBulk(data []byte) (Bulk, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Bulk{}, err
	}
	var b Bulk
	for _, f := range fields {
		if f.num == 1 {
			b.Hashes = append(b.Hashes, append([]byte(nil), f.bytes...))
		}
	}
	return b, nil
}

// BulkResponse answers a Bulk request.
type BulkResponse struct {
	Messages      []ChannelMessage
	ForwardIndex  uint32
}

func (r BulkResponse) Marshal() []byte {
	var b []byte
	for _, m := range r.Messages {
		b = appendMessage(b, 1, m.Marshal())
	}
	b = appendVarint(b, 2, uint64(r.ForwardIndex))
	return b
}

func UnmarshalBulkResponse(data []byte) (BulkResponse, error) {
	fields, err := parseFields(data)
	if err != nil {
		return BulkResponse{}, err
	}
	var r BulkResponse
	for _, f := range fields {
		switch f.num {
		case 1:
			m, err := UnmarshalChannelMessage(f.bytes)
			if err != nil {
				return BulkResponse{}, err
			}
			r.Messages = append(r.Messages, m)
		case 2:
			r.ForwardIndex = uint32(f.varint)
		}
	}
	return r, nil
}

// SyncRequestContent is the oneof{Query, Bulk} sealed inside a SyncRequest box.
type SyncRequestContent struct {
	Query   *Query
	Bulk    *Bulk
}

func (c SyncRequestContent) Marshal() []byte {
	var b []byte
	if c.Query != nil {
		b = appendMessage(b, 1, c.Query.Marshal())
	}
	if c.Bulk != nil {
		b = appendMessage(b, 2, c.Bulk.Marshal())
	}
	return b
}

func UnmarshalSyncRequestContent(data []byte) (SyncRequestContent, error) {
	fields, err := parseFields(data)
	if err != nil {
		return SyncRequestContent{}, err
	}
	var c SyncRequestContent
	for _, f := range fields {
		switch f.num {
		case 1:
			q, err := UnmarshalQuery(f.bytes)
			if err != nil {
				return SyncRequestContent{}, err
			}
			c.Query = &q
		case 2:
			bk, err := UnmarshalBulk(f.bytes)
			if err != nil {
				return SyncRequestContent{}, err
			}
			c.Bulk = &bk
		}
	}
	return c, nil
}

// SyncResponseContent is the oneof{QueryResponse, BulkResponse} sealed inside
// a SyncResponse box.
type SyncResponseContent struct {
	QueryResponse *QueryResponse
	BulkResponse  *BulkResponse
}

func (c SyncResponseContent) Marshal() []byte {
	var b []byte
	if c.QueryResponse != nil {
		b = appendMessage(b, 1, c.QueryResponse.Marshal())
	}
	if c.BulkResponse != nil {
		b = appendMessage(b, 2, c.BulkResponse.Marshal())
	}
	return b
}

func UnmarshalSyncResponseContent(data []byte) (SyncResponseContent, error) {
	fields, err := parseFields(data)
	if err != nil {
		return SyncResponseContent{}, err
	}
	var c SyncResponseContent
	for _, f := range fields {
		switch f.num {
		case 1:
			qr, err := UnmarshalQueryResponse(f.bytes)
			if err != nil {
				return SyncResponseContent{}, err
			}
			c.QueryResponse = &qr
		case 2:
			br, err := UnmarshalBulkResponse(f.bytes)
			if err != nil {
				return SyncResponseContent{}, err
			}
			c.BulkResponse = &br
		}
	}
	return c, nil
}

// SyncRequest envelope.
type SyncRequest struct {
	ChannelID []byte
	Seq       uint32
	Nonce     []byte
	Box       []byte
}

func (s SyncRequest) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, s.ChannelID)
	b = appendVarint(b, 2, uint64(s.Seq))
	b = appendBytes(b, 3, s.Nonce)
	b = appendBytes(b, 4, s.Box)
	return b
}

func UnmarshalSyncRequest(data []byte) (SyncRequest, error) {
	fields, err := parseFields(data)
	if err != nil {
		return SyncRequest{}, err
	}
	var s SyncRequest
	for _, f := range fields {
		switch f.num {
		case 1:
			s.ChannelID = append([]byte(nil), f.bytes...)
		case 2:
			s.Seq = uint32(f.varint)
		case 3:
			s.Nonce = append([]byte(nil), f.bytes...)
		case 4:
			s.Box = append([]byte(nil), f.bytes...)
		}
	}
	return s, nil
}

// SyncResponse envelope.
type SyncResponse struct {
	ChannelID []byte
	Seq       uint32
	Box       []byte
}

func (s SyncResponse) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, s.ChannelID)
	b = appendVarint(b, 2, uint64(s.Seq))
	b = appendBytes(b, 3, s.Box)
	return b
}

func UnmarshalSyncResponse(data []byte) (SyncResponse, error) {
	fields, err := parseFields(data)
	if err != nil {
		return SyncResponse{}, err
	}
	var s SyncResponse
	for _, f := range fields {
		switch f.num {
		case 1:
			s.ChannelID = append([]byte(nil), f.bytes...)
		case 2:
			s.Seq = uint32(f.varint)
		case 3:
			s.Box = append([]byte(nil), f.bytes...)
		}
	}
	return s, nil
}

// Notification tells a peer to re-sync a channel.
type Notification struct {
	ChannelID []byte
}

func (n Notification) Marshal() []byte {
	return appendBytes(nil, 1, n.ChannelID)
}

func UnmarshalNotification(data []byte) (Notification, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Notification{}, err
	}
	var n Notification
	for _, f := range fields {
		if f.num == 1 {
			n.ChannelID = append([]byte(nil), f.bytes...)
		}
	}
	return n, nil
}

// Error terminates a session with a diagnostic reason.
type Error struct {
	Reason string
}

func (e Error) Marshal() []byte {
	return appendString(nil, 1, e.Reason)
}

func UnmarshalError(data []byte) (Error, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Error{}, err
	}
	var e Error
	for _, f := range fields {
		if f.num == 1 {
			e.Reason = string(f.bytes)
		}
	}
	return e, nil
}

// Ping/Pong carry a liveness sequence number.
type Ping struct{ Seq uint32 }
type Pong struct{ Seq uint32 }

func (p Ping) Marshal() []byte { return appendVarint(nil, 1, uint64(p.Seq)) }
func (p Pong) Marshal() []byte { return appendVarint(nil, 1, uint64(p.Seq)) }

func UnmarshalPing(data []byte) (Ping, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Ping{}, err
	}
	var p Ping
	for _, f := range fields {
		if f.num == 1 {
			p.Seq = uint32(f.varint)
		}
	}
	return p, nil
}

func UnmarshalPong(data []byte) (Pong, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Pong{}, err
	}
	var p Pong
	for _, f := range fields {
		if f.num == 1 {
			p.Seq = uint32(f.varint)
		}
	}
	return p, nil
}

// PacketKind discriminates the Packet oneof.
type PacketKind int

const (
	PacketUnknown PacketKind = iota
	PacketError
	PacketEncryptedInvite
	PacketSyncRequest
	PacketSyncResponse
	PacketNotification
	PacketPing
	PacketPong
)

// Packet is the single top-level message exchanged over the wire socket.
type Packet struct {
	Kind            PacketKind
	Error           Error
	EncryptedInvite EncryptedInvite
	SyncRequest     SyncRequest
	SyncResponse    SyncResponse
	Notification    Notification
	Ping            Ping
	Pong            Pong
}

func (p Packet) Marshal() []byte {
	var b []byte
	switch p.Kind {
	case PacketError:
		b = appendMessage(b, 1, p.Error.Marshal())
	case PacketEncryptedInvite:
		b = appendMessage(b, 2, p.EncryptedInvite.Marshal())
	case PacketSyncRequest:
		b = appendMessage(b, 3, p.SyncRequest.Marshal())
	case PacketSyncResponse:
		b = appendMessage(b, 4, p.SyncResponse.Marshal())
	case PacketNotification:
		b = appendMessage(b, 5, p.Notification.Marshal())
	case PacketPing:
		b = appendMessage(b, 6, p.Ping.Marshal())
	case PacketPong:
		b = appendMessage(b, 7, p.Pong.Marshal())
	}
	if len(b) == 0 && p.Kind > PacketUnknown && p.Kind <= PacketPong {
		// The member's submessage is empty (e.g. Ping{Seq: 0}); still encode
		// its field — oneof presence is tracked independently of the payload.
		b = append(appendTag(nil, int(p.Kind), wireBytes), 0)
	}
	return b
}

func UnmarshalPacket(data []byte) (Packet, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Packet{}, err
	}
	var p Packet
	for _, f := range fields {
		switch f.num {
		case 1:
			e, err := UnmarshalError(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.Error = PacketError, e
		case 2:
			e, err := UnmarshalEncryptedInvite(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.EncryptedInvite = PacketEncryptedInvite, e
		case 3:
			s, err := UnmarshalSyncRequest(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.SyncRequest = PacketSyncRequest, s
		case 4:
			s, err := UnmarshalSyncResponse(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.SyncResponse = PacketSyncResponse, s
		case 5:
			n, err := UnmarshalNotification(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.Notification = PacketNotification, n
		case 6:
			pi, err := UnmarshalPing(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.Ping = PacketPing, pi
		case 7:
			po, err := UnmarshalPong(f.bytes)
			if err != nil {
				return Packet{}, err
			}
			p.Kind, p.Pong = PacketPong, po
		}
	}
	return p, nil
}
