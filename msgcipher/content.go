package msgcipher

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content is the decoded content of a message. It is one of *DataMessage,
// *ReceiptMessage, *TypingMessage or *ConfigurationMessage.
type Content interface {
	isContent()
}

// DataMessage flags.
const (
	FlagEndSession            = 1 << 0
	FlagExpirationTimerUpdate = 1 << 1
	FlagProfileKeyUpdate      = 1 << 2
)

type Attachment struct {
	ID          uint64
	ContentType string
	Key         []byte
	Size        uint32
	Digest      []byte
	FileName    string
	Width       uint32
	Height      uint32
	Caption     string
}

type Quote struct {
	ID          uint64
	Author      string
	Text        string
	Attachments []Attachment
}

type GroupType int

const (
	GroupTypeUnknown GroupType = iota
	GroupTypeUpdate
	GroupTypeDeliver
	GroupTypeQuit
	GroupTypeRequestInfo
)

type GroupContext struct {
	ID      []byte
	Type    GroupType
	Name    string
	Members []string
}

// DataMessage is a user visible message.
type DataMessage struct {
	Timestamp   uint64
	Body        string
	Attachments []Attachment
	Group       *GroupContext
	Flags       uint32
	ExpireTimer uint32
	ProfileKey  []byte
	Quote       *Quote

	hasTimestamp bool
}

func (*DataMessage) isContent() {}

type ReceiptType int

const (
	ReceiptTypeDelivery ReceiptType = iota
	ReceiptTypeRead
)

func (t ReceiptType) String() string {
	switch t {
	case ReceiptTypeDelivery:
		return "delivery"
	case ReceiptTypeRead:
		return "read"
	default:
		return fmt.Sprintf("receipt(%d)", int(t))
	}
}

// ReceiptMessage acknowledges messages identified by their timestamps.
type ReceiptMessage struct {
	Type       ReceiptType
	Timestamps []uint64
}

func (*ReceiptMessage) isContent() {}

type TypingAction int

const (
	TypingStarted TypingAction = iota
	TypingStopped
)

// TypingMessage is a typing indicator.
type TypingMessage struct {
	Timestamp uint64
	Action    TypingAction
	GroupID   []byte

	hasTimestamp bool
}

func (*TypingMessage) isContent() {}

// ConfigurationMessage carries settings synced from another device of the
// local user. Nil fields were not set.
type ConfigurationMessage struct {
	ReadReceipts                   *bool
	UnidentifiedDeliveryIndicators *bool
	TypingIndicators               *bool
	LinkPreviews                   *bool
}

func (*ConfigurationMessage) isContent() {}

// ProfileUpdate is the sender's profile data carried by a data message.
type ProfileUpdate struct {
	Key    []byte
	Name   string
	Avatar string
}

// Content field numbers.
const (
	fieldContentData    = 1
	fieldContentSync    = 2
	fieldContentReceipt = 5
	fieldContentTyping  = 6

	fieldSyncConfiguration = 7

	fieldDataBody          = 1
	fieldDataAttachments   = 2
	fieldDataGroup         = 3
	fieldDataFlags         = 4
	fieldDataExpireTimer   = 5
	fieldDataProfileKey    = 6
	fieldDataTimestamp     = 7
	fieldDataQuote         = 8
	fieldDataProfileName   = 20
	fieldDataProfileAvatar = 21
)

var errMalformed = errors.New("malformed content")

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// fields decodes every field in b.
func fields(b []byte) ([]field, error) {
	var res []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		res = append(res, f)
	}
	return res, nil
}

// decoded is the result of decoding a Content message.
type decoded struct {
	content Content
	profile *ProfileUpdate
}

// decodeContent decodes the single content carried by b. When several
// content fields are present, the first one decoding to a content in the
// order configuration, data, receipt, typing is used.
func decodeContent(b []byte) (*decoded, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	present := make(map[protowire.Number][]byte, 4)
	for _, f := range fs {
		if f.typ == protowire.BytesType {
			present[f.num] = f.bytes
		}
	}

	res := new(decoded)
	if v, ok := present[fieldContentSync]; ok {
		if res.content, err = decodeSyncMessage(v); err != nil || res.content != nil {
			return res, err
		}
	}
	if v, ok := present[fieldContentData]; ok {
		res.content, res.profile, err = decodeDataMessage(v)
		return res, err
	}
	if v, ok := present[fieldContentReceipt]; ok {
		res.content, err = decodeReceiptMessage(v)
		return res, err
	}
	if v, ok := present[fieldContentTyping]; ok {
		res.content, err = decodeTypingMessage(v)
		return res, err
	}
	return res, nil
}

func decodeDataMessage(b []byte) (*DataMessage, *ProfileUpdate, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, nil, err
	}
	m := new(DataMessage)
	var profile ProfileUpdate
	var hasProfile bool
	for _, f := range fs {
		switch f.num {
		case fieldDataBody:
			m.Body = string(f.bytes)
		case fieldDataAttachments:
			a, err := decodeAttachment(f.bytes)
			if err != nil {
				return nil, nil, err
			}
			m.Attachments = append(m.Attachments, a)
		case fieldDataGroup:
			if m.Group, err = decodeGroup(f.bytes); err != nil {
				return nil, nil, err
			}
		case fieldDataFlags:
			m.Flags = uint32(f.varint)
		case fieldDataExpireTimer:
			m.ExpireTimer = uint32(f.varint)
		case fieldDataProfileKey:
			m.ProfileKey = f.bytes
			profile.Key, hasProfile = f.bytes, true
		case fieldDataTimestamp:
			m.Timestamp, m.hasTimestamp = f.varint, true
		case fieldDataQuote:
			if m.Quote, err = decodeQuote(f.bytes); err != nil {
				return nil, nil, err
			}
		case fieldDataProfileName:
			profile.Name, hasProfile = string(f.bytes), true
		case fieldDataProfileAvatar:
			profile.Avatar, hasProfile = string(f.bytes), true
		}
	}
	if !hasProfile {
		return m, nil, nil
	}
	return m, &profile, nil
}

func decodeAttachment(b []byte) (Attachment, error) {
	var a Attachment
	fs, err := fields(b)
	if err != nil {
		return a, err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			a.ID = f.varint
		case 2:
			a.ContentType = string(f.bytes)
		case 3:
			a.Key = f.bytes
		case 4:
			a.Size = uint32(f.varint)
		case 6:
			a.Digest = f.bytes
		case 7:
			a.FileName = string(f.bytes)
		case 9:
			a.Width = uint32(f.varint)
		case 10:
			a.Height = uint32(f.varint)
		case 11:
			a.Caption = string(f.bytes)
		}
	}
	return a, nil
}

func decodeGroup(b []byte) (*GroupContext, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	g := new(GroupContext)
	for _, f := range fs {
		switch f.num {
		case 1:
			g.ID = f.bytes
		case 2:
			g.Type = GroupType(f.varint)
		case 3:
			g.Name = string(f.bytes)
		case 4:
			g.Members = append(g.Members, string(f.bytes))
		}
	}
	return g, nil
}

func decodeQuote(b []byte) (*Quote, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	q := new(Quote)
	for _, f := range fs {
		switch f.num {
		case 1:
			q.ID = f.varint
		case 2:
			q.Author = string(f.bytes)
		case 3:
			q.Text = string(f.bytes)
		case 4:
			a, err := decodeAttachment(f.bytes)
			if err != nil {
				return nil, err
			}
			q.Attachments = append(q.Attachments, a)
		}
	}
	return q, nil
}

func decodeSyncMessage(b []byte) (Content, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	for _, f := range fs {
		if f.num == fieldSyncConfiguration && f.typ == protowire.BytesType {
			return decodeConfiguration(f.bytes)
		}
	}
	return nil, nil
}

func decodeConfiguration(b []byte) (*ConfigurationMessage, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	c := new(ConfigurationMessage)
	for _, f := range fs {
		v := f.varint != 0
		switch f.num {
		case 1:
			c.ReadReceipts = &v
		case 2:
			c.UnidentifiedDeliveryIndicators = &v
		case 3:
			c.TypingIndicators = &v
		case 4:
			c.LinkPreviews = &v
		}
	}
	return c, nil
}

func decodeReceiptMessage(b []byte) (*ReceiptMessage, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	r := new(ReceiptMessage)
	for _, f := range fs {
		switch {
		case f.num == 1:
			r.Type = ReceiptType(f.varint)
		case f.num == 2 && f.typ == protowire.VarintType:
			r.Timestamps = append(r.Timestamps, f.varint)
		case f.num == 2 && f.typ == protowire.BytesType:
			// Packed encoding.
			packed := f.bytes
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
				}
				r.Timestamps = append(r.Timestamps, v)
				packed = packed[n:]
			}
		}
	}
	return r, nil
}

func decodeTypingMessage(b []byte) (*TypingMessage, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	m := new(TypingMessage)
	for _, f := range fs {
		switch f.num {
		case 1:
			m.Timestamp, m.hasTimestamp = f.varint, true
		case 2:
			m.Action = TypingAction(f.varint)
		case 3:
			m.GroupID = f.bytes
		}
	}
	return m, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v *bool) []byte {
	if v == nil {
		return b
	}
	return appendVarintField(b, num, protowire.EncodeBool(*v))
}

func encodeAttachment(a Attachment) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.ID)
	if a.ContentType != "" {
		b = appendBytesField(b, 2, []byte(a.ContentType))
	}
	if len(a.Key) > 0 {
		b = appendBytesField(b, 3, a.Key)
	}
	if a.Size > 0 {
		b = appendVarintField(b, 4, uint64(a.Size))
	}
	if len(a.Digest) > 0 {
		b = appendBytesField(b, 6, a.Digest)
	}
	if a.FileName != "" {
		b = appendBytesField(b, 7, []byte(a.FileName))
	}
	if a.Width > 0 {
		b = appendVarintField(b, 9, uint64(a.Width))
	}
	if a.Height > 0 {
		b = appendVarintField(b, 10, uint64(a.Height))
	}
	if a.Caption != "" {
		b = appendBytesField(b, 11, []byte(a.Caption))
	}
	return b
}

// EncodeContent serializes c as a Content message. A zero timestamp in a
// data or typing message is omitted.
func EncodeContent(c Content, profile *ProfileUpdate) []byte {
	var inner []byte
	var num protowire.Number
	switch m := c.(type) {
	case *DataMessage:
		num = fieldContentData
		if m.Body != "" {
			inner = appendBytesField(inner, fieldDataBody, []byte(m.Body))
		}
		for _, a := range m.Attachments {
			inner = appendBytesField(inner, fieldDataAttachments, encodeAttachment(a))
		}
		if g := m.Group; g != nil {
			var gb []byte
			gb = appendBytesField(gb, 1, g.ID)
			gb = appendVarintField(gb, 2, uint64(g.Type))
			if g.Name != "" {
				gb = appendBytesField(gb, 3, []byte(g.Name))
			}
			for _, member := range g.Members {
				gb = appendBytesField(gb, 4, []byte(member))
			}
			inner = appendBytesField(inner, fieldDataGroup, gb)
		}
		if m.Flags != 0 {
			inner = appendVarintField(inner, fieldDataFlags, uint64(m.Flags))
		}
		if m.ExpireTimer != 0 {
			inner = appendVarintField(inner, fieldDataExpireTimer, uint64(m.ExpireTimer))
		}
		if m.Timestamp != 0 {
			inner = appendVarintField(inner, fieldDataTimestamp, m.Timestamp)
		}
		if q := m.Quote; q != nil {
			var qb []byte
			qb = appendVarintField(qb, 1, q.ID)
			qb = appendBytesField(qb, 2, []byte(q.Author))
			qb = appendBytesField(qb, 3, []byte(q.Text))
			for _, a := range q.Attachments {
				qb = appendBytesField(qb, 4, encodeAttachment(a))
			}
			inner = appendBytesField(inner, fieldDataQuote, qb)
		}
		if profile != nil {
			if len(profile.Key) > 0 {
				inner = appendBytesField(inner, fieldDataProfileKey, profile.Key)
			}
			if profile.Name != "" {
				inner = appendBytesField(inner, fieldDataProfileName, []byte(profile.Name))
			}
			if profile.Avatar != "" {
				inner = appendBytesField(inner, fieldDataProfileAvatar, []byte(profile.Avatar))
			}
		} else if len(m.ProfileKey) > 0 {
			inner = appendBytesField(inner, fieldDataProfileKey, m.ProfileKey)
		}

	case *ReceiptMessage:
		num = fieldContentReceipt
		inner = appendVarintField(inner, 1, uint64(m.Type))
		for _, ts := range m.Timestamps {
			inner = appendVarintField(inner, 2, ts)
		}

	case *TypingMessage:
		num = fieldContentTyping
		if m.Timestamp != 0 {
			inner = appendVarintField(inner, 1, m.Timestamp)
		}
		inner = appendVarintField(inner, 2, uint64(m.Action))
		if len(m.GroupID) > 0 {
			inner = appendBytesField(inner, 3, m.GroupID)
		}

	case *ConfigurationMessage:
		num = fieldContentSync
		var cb []byte
		cb = appendBoolField(cb, 1, m.ReadReceipts)
		cb = appendBoolField(cb, 2, m.UnidentifiedDeliveryIndicators)
		cb = appendBoolField(cb, 3, m.TypingIndicators)
		cb = appendBoolField(cb, 4, m.LinkPreviews)
		inner = appendBytesField(inner, fieldSyncConfiguration, cb)

	default:
		return nil
	}
	return appendBytesField(nil, num, inner)
}
