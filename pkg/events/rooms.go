package events

import (
	"strings"

	"github.com/nmxmxh/fundpulse/pkg/auth"
)

const (
	RoomAll   = "all"
	RoomAdmin = "admin"

	userPrefix     = "user:"
	campaignPrefix = "campaign:"
)

// Room kinds, used as metric labels.
const (
	KindAll      = "all"
	KindAdmin    = "admin"
	KindUser     = "user"
	KindCampaign = "campaign"
	KindInvalid  = "invalid"
)

func UserRoom(userID string) string { return userPrefix + userID }

func CampaignRoom(campaignID string) string { return campaignPrefix + campaignID }

// RoomKind classifies a room name; malformed names are KindInvalid.
func RoomKind(room string) string {
	switch {
	case room == RoomAll:
		return KindAll
	case room == RoomAdmin:
		return KindAdmin
	case strings.HasPrefix(room, userPrefix) && validID(room[len(userPrefix):]):
		return KindUser
	case strings.HasPrefix(room, campaignPrefix) && validID(room[len(campaignPrefix):]):
		return KindCampaign
	default:
		return KindInvalid
	}
}

func ValidRoom(room string) bool {
	return RoomKind(room) != KindInvalid
}

// CanJoin reports whether id may be a member of room. Anyone may join all and
// campaign rooms; admin needs an admin identity; user:<id> is private to its
// owner.
func CanJoin(id auth.Identity, room string) bool {
	switch RoomKind(room) {
	case KindAll, KindCampaign:
		return true
	case KindAdmin:
		return id.IsAdmin()
	case KindUser:
		return id.IsAuthenticated() && room == UserRoom(id.UserID)
	default:
		return false
	}
}

// DefaultRooms are joined on connect.
func DefaultRooms(id auth.Identity) []string {
	rooms := []string{RoomAll}
	if id.IsAuthenticated() {
		rooms = append(rooms, UserRoom(id.UserID))
	}
	if id.IsAdmin() {
		rooms = append(rooms, RoomAdmin)
	}
	return rooms
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == ':' || r == '*' || r == 0x7f {
			return false
		}
	}
	return true
}
