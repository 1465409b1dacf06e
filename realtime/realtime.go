package realtime

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// realtime synchronization core for one space instance
// three peer services share one store namespace:
//   spaces/{spaceId}/instances/{instanceId}/{actors|objects|events}/{id}
// each service mirrors its subtree into a local cache and notifies
// registered callbacks on classified changes

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, fmt.Errorf("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

var UnitScale = Vector3{X: 1, Y: 1, Z: 1}

type ActorMetadata struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarUrl   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role,omitempty"`
}

type Actor struct {
	Position   Vector3       `json:"position"`
	Rotation   Vector3       `json:"rotation"`
	Animation  string        `json:"animation"`
	Voice      bool          `json:"voice"`
	Metadata   ActorMetadata `json:"metadata"`
	LastUpdate int64         `json:"lastUpdate"`
	IsOnline   bool          `json:"isOnline"`
	JoinedAt   int64         `json:"joinedAt"`
}

type ContentType string

const (
	ContentTypePrefab      ContentType = "prefab"
	ContentTypeVideoCanvas ContentType = "video_canvas"
	ContentTypeMediaScreen ContentType = "media_screen"
	ContentTypePortal      ContentType = "portal"
	ContentTypeInteractive ContentType = "interactive"
	ContentTypeCustom      ContentType = "custom"
)

type ContentObject struct {
	Id   string      `json:"id"`
	Type ContentType `json:"type"`
	// empty means unowned and eligible for the next ownership request
	OwnerId   string         `json:"ownerId,omitempty"`
	Position  Vector3        `json:"position"`
	Rotation  Vector3        `json:"rotation"`
	Scale     Vector3        `json:"scale"`
	State     map[string]any `json:"state,omitempty"`
	PrefabId  string         `json:"prefabId,omitempty"`
	GlbUrl    string         `json:"glbUrl,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

type Event struct {
	Name     string         `json:"eventName"`
	Data     map[string]any `json:"data,omitempty"`
	SenderId string         `json:"senderId"`
	// nil means broadcast to all actors in the instance
	TargetActors    []string `json:"targetActors,omitempty"`
	Timestamp       int64    `json:"timestamp"`
	ClientTimestamp int64    `json:"clientTimestamp"`
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// decode a store tree value into a typed entity via the document model
func decodeValue[T any](value any) (*T, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(valueJson, out); err != nil {
		return nil, err
	}
	return out, nil
}

func vectorValue(v Vector3) map[string]any {
	return map[string]any{
		"x": v.X,
		"y": v.Y,
		"z": v.Z,
	}
}
