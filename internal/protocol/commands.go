// Package protocol implements the GameStore wire protocol: length-prefixed
// frames carrying JSON command bodies, plus a raw byte-stream mode used for
// game archive transfer.
package protocol

import "fmt"

// Command is the opcode carried in every frame header.
type Command uint32

const (
	// Auth
	CmdLogin  Command = 1
	CmdLogout Command = 2

	// Developer operations
	CmdUploadGame  Command = 3
	CmdUpdateGame  Command = 4
	CmdDeleteGame  Command = 5
	CmdListMyGames Command = 6

	// Player operations
	CmdListAllGames Command = 7
	CmdGetGameInfo  Command = 8
	CmdDownloadGame Command = 9
	CmdCreateRoom   Command = 10
	CmdJoinRoom     Command = 11
	CmdRateGame     Command = 12
	CmdListRooms    Command = 13

	// System
	CmdError Command = 14
)

// IsKnown reports whether c is a defined protocol command.
func (c Command) IsKnown() bool {
	return c >= CmdLogin && c <= CmdError
}

func (c Command) String() string {
	switch c {
	case CmdLogin:
		return "LOGIN"
	case CmdLogout:
		return "LOGOUT"
	case CmdUploadGame:
		return "UPLOAD_GAME"
	case CmdUpdateGame:
		return "UPDATE_GAME"
	case CmdDeleteGame:
		return "DELETE_GAME"
	case CmdListMyGames:
		return "LIST_MY_GAMES"
	case CmdListAllGames:
		return "LIST_ALL_GAMES"
	case CmdGetGameInfo:
		return "GET_GAME_INFO"
	case CmdDownloadGame:
		return "DOWNLOAD_GAME"
	case CmdCreateRoom:
		return "CREATE_ROOM"
	case CmdJoinRoom:
		return "JOIN_ROOM"
	case CmdRateGame:
		return "RATE_GAME"
	case CmdListRooms:
		return "LIST_ROOMS"
	case CmdError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}

// Status is the result code carried in the "status" field of responses.
type Status int

const (
	StatusSuccess            Status = 0
	StatusInvalidCredentials Status = 1
	StatusAlreadyLoggedIn    Status = 2
	StatusPermissionDenied   Status = 3
	StatusGameNotFound       Status = 4
	StatusVersionMismatch    Status = 5
	StatusServerError        Status = 99
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidCredentials:
		return "ERR_INVALID_CREDENTIALS"
	case StatusAlreadyLoggedIn:
		return "ERR_ALREADY_LOGGED_IN"
	case StatusPermissionDenied:
		return "ERR_PERMISSION_DENIED"
	case StatusGameNotFound:
		return "ERR_GAME_NOT_FOUND"
	case StatusVersionMismatch:
		return "ERR_VERSION_MISMATCH"
	case StatusServerError:
		return "ERR_SERVER_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}
