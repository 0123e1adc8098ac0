// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package chat

// Operation names served by the chat service.
const (
	OpWelcome   = "Welcome"   // call: () → Welcome
	OpSetNick   = "SetNick"   // call: nick → accepted nick
	OpGotoRoom  = "GotoRoom"  // notification: room id
	OpSay       = "Say"       // call: SayRequest + payload → echoed ID
	OpListFiles = "ListFiles" // call: room id → file list
	OpUploadReq = "UploadReq" // call: FileRequest → refusal reason or empty
	OpRecvFile  = "RecvFile"  // call: FileRequest + payload → checksum
	OpSendFile  = "SendFile"  // call: FileRequest → FileOffer, payload, checksum
)

// Operation names served by the client. All are notifications pushed by the
// service.
const (
	OpNickChanged   = "NickChanged"   // the session's nickname changed
	OpInRoom        = "InRoom"        // the session entered a room
	OpShowNotice    = "ShowNotice"    // display a notice from the service
	OpRoomMsgs      = "RoomMsgs"      // a RoomLog transcript update
	OpChatterJoined = "ChatterJoined" // RoomEvent: someone entered the room
	OpChatterLeft   = "ChatterLeft"   // RoomEvent: someone left the room
)
