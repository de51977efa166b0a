package models

import "strconv"

type Command int

const (
	CommandAck Command = iota + 1
	CommandRequest
	CommandSegment
	CommandEndOfMessage
	CommandUpdate
	CommandFinish
	CommandTerminate
	CommandRegister
)

// CommandNotFound answers a peer segment request that cannot be served.
const CommandNotFound Command = -1

// TrackerRank is the node id of the tracker; peers are numbered from 1.
const TrackerRank = 0

var commandNames = map[Command]string{
	CommandAck:          "ACK",
	CommandRequest:      "REQUEST",
	CommandSegment:      "SEGMENT",
	CommandEndOfMessage: "END_OF_MESSAGE",
	CommandUpdate:       "UPDATE",
	CommandFinish:       "FINISH",
	CommandTerminate:    "TERMINATE",
	CommandRegister:     "REGISTER",
	CommandNotFound:     "NOT_FOUND",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "Command(" + strconv.Itoa(int(c)) + ")"
}

// Frame is the single message unit exchanged between nodes. Which fields are
// meaningful depends on Command:
//
//	REGISTER        Files
//	REQUEST         FileID (peer->tracker), FileID+Count (tracker reply header), Hash (peer->peer)
//	SEGMENT         Index, Peer (holder) or FileID, Hash
//	FINISH          FileID
type Frame struct {
	Command Command          `bencode:"command"`
	FileID  int              `bencode:"file"`
	Index   int              `bencode:"index"`
	Peer    int              `bencode:"peer"`
	Count   int              `bencode:"count"`
	Hash    string           `bencode:"hash"`
	Files   []FileDescriptor `bencode:"files"`
}
