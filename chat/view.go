package chat

import (
	"github.com/mqy/junglevibe/anon"
	"github.com/mqy/junglevibe/store"
)

// View is a message as rendered for one viewer.
type View struct {
	Id          string         `json:"id"`
	SenderId    string         `json:"senderId,omitempty"` // hidden in JUNGLE mode except for admins
	Text        string         `json:"text"`
	Timestamp   int64          `json:"timestamp"`
	Mode        store.ChatMode `json:"mode"`
	IsMe        bool           `json:"isMe"`
	DisplayName string         `json:"displayName,omitempty"`
	AvatarUrl   string         `json:"avatarUrl,omitempty"`

	RealSenderName string `json:"realSenderName,omitempty"` // admins only, JUNGLE mode
}

const unknownSenderName = "User"

// Render renders msgs for viewer. peer is the other participant of a private room, nil in JUNGLE mode.
func Render(msgs []*store.Message, viewer, peer *store.User) []*View {
	out := make([]*View, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, RenderOne(m, viewer, peer))
	}
	return out
}

func RenderOne(m *store.Message, viewer, peer *store.User) *View {
	v := &View{
		Id:        m.Id,
		Text:      m.Text,
		Timestamp: m.Time(),
		Mode:      m.Mode,
		IsMe:      m.SenderId == viewer.Id,
	}

	if m.Mode == store.ModeJungle {
		id := anon.Derive(m.Id)
		v.AvatarUrl = id.AvatarUrl
		if v.IsMe {
			v.DisplayName = anon.SelfLabel
		} else {
			v.DisplayName = id.DisplayName
		}
		if viewer.Role == store.RoleAdmin {
			v.SenderId = m.SenderId
			v.RealSenderName = m.RealSenderName
		}
		return v
	}

	v.SenderId = m.SenderId
	if !v.IsMe {
		v.DisplayName = m.RealSenderName
		if v.DisplayName == "" {
			v.DisplayName = unknownSenderName
		}
		if peer != nil && peer.Id == m.SenderId {
			v.AvatarUrl = peer.AvatarUrl
		}
	}
	return v
}
