package hub

import "errors"

// 房间内操作的业务错误，由 RoomHub 返回给发起方连接
var (
	ErrDuplicateID    = errors.New("hub: object id already exists in room")
	ErrObjectNotFound = errors.New("hub: object not found in room")
	ErrInvalidObject  = errors.New("hub: object payload is invalid")
	ErrRoomClosed     = errors.New("hub: room hub has been stopped")
	ErrRegistryClosed = errors.New("hub: registry has been shut down")
)

// 下发给客户端的错误码，与上面的哨兵错误一一对应
const (
	CodeDuplicateID   = "duplicate_id"
	CodeNotFound      = "not_found"
	CodeInvalidObject = "invalid_object"
	CodeInternal      = "internal"
)

// errorCode 将业务错误映射为线上协议中的错误码
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateID):
		return CodeDuplicateID
	case errors.Is(err, ErrObjectNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidObject):
		return CodeInvalidObject
	default:
		return CodeInternal
	}
}
