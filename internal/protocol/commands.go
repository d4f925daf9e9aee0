// Package protocol implements the replimesh wire protocol: framed,
// magic-tagged messages in three header generations, plus the payload
// encodings used by the data and meta sockets.
package protocol

import "fmt"

// Command identifies a packet type on either socket.
type Command uint16

// Data-socket commands.
const (
	CmdData Command = iota
	CmdDataReply
	CmdRSDataReply
	CmdBarrier
	CmdBitmap
	CmdBecomeSyncTarget
	CmdBecomeSyncSource
	CmdUnplugRemote
	CmdDataRequest
	CmdRSDataRequest
	CmdSyncParam
	CmdProtocol
	CmdUUIDs
	CmdSizes
	CmdState
	CmdSyncUUID
	CmdAuthChallenge
	CmdAuthResponse
	CmdStateChgRequest

	// Meta-socket commands.
	CmdPing
	CmdPingAck
	CmdRecvAck      // protocol B
	CmdWriteAck     // protocol C
	CmdRSWriteAck   // resync write ack, implies set-in-sync
	CmdSuperseded   // peer request discarded by conflict resolver
	CmdNegAck       // write failed on peer
	CmdNegDReply    // local read failed
	CmdNegRSDReply  // resync read failed
	CmdBarrierAck
	CmdStateChgReply
	CmdOVRequest
	CmdOVReply
	CmdOVResult
	CmdCsumRSRequest
	CmdRSIsInSync
	CmdSyncParam89
	CmdCompressedBitmap

	CmdDelayProbe
	CmdOutOfSync
	CmdRSCancel
	CmdConnStateChgRequest
	CmdConnStateChgReply
	CmdRetryWrite
	CmdProtocolUpdate
	CmdTwopcPrepare
	CmdTwopcAbort
	CmdDagTag
	CmdTwopcCommit
	CmdTwopcYes
	CmdTwopcNo
	CmdTwopcRetry
	CmdPeerAck
	CmdPeersInSync
	CmdUUIDs110
	CmdPeerDagTag
	CmdCurrentUUID
	CmdPriReachable
	CmdTrim
)

// Pre-handshake commands. These never appear inside the framed stream.
const (
	CmdInitialMeta         Command = 0xfff1
	CmdInitialData         Command = 0xfff2
	CmdConnectionFeatures  Command = 0xfffe
)

var commandNames = map[Command]string{
	CmdData:                "Data",
	CmdDataReply:           "DataReply",
	CmdRSDataReply:         "RSDataReply",
	CmdBarrier:             "Barrier",
	CmdBitmap:              "Bitmap",
	CmdBecomeSyncTarget:    "BecomeSyncTarget",
	CmdBecomeSyncSource:    "BecomeSyncSource",
	CmdUnplugRemote:        "UnplugRemote",
	CmdDataRequest:         "DataRequest",
	CmdRSDataRequest:       "RSDataRequest",
	CmdSyncParam:           "SyncParam",
	CmdProtocol:            "Protocol",
	CmdUUIDs:               "UUIDs",
	CmdSizes:               "Sizes",
	CmdState:               "State",
	CmdSyncUUID:            "SyncUUID",
	CmdAuthChallenge:       "AuthChallenge",
	CmdAuthResponse:        "AuthResponse",
	CmdStateChgRequest:     "StateChgRequest",
	CmdPing:                "Ping",
	CmdPingAck:             "PingAck",
	CmdRecvAck:             "RecvAck",
	CmdWriteAck:            "WriteAck",
	CmdRSWriteAck:          "RSWriteAck",
	CmdSuperseded:          "Superseded",
	CmdNegAck:              "NegAck",
	CmdNegDReply:           "NegDReply",
	CmdNegRSDReply:         "NegRSDReply",
	CmdBarrierAck:          "BarrierAck",
	CmdStateChgReply:       "StateChgReply",
	CmdOVRequest:           "OVRequest",
	CmdOVReply:             "OVReply",
	CmdOVResult:            "OVResult",
	CmdCsumRSRequest:       "CsumRSRequest",
	CmdRSIsInSync:          "RSIsInSync",
	CmdSyncParam89:         "SyncParam89",
	CmdCompressedBitmap:    "CompressedBitmap",
	CmdDelayProbe:          "DelayProbe",
	CmdOutOfSync:           "OutOfSync",
	CmdRSCancel:            "RSCancel",
	CmdConnStateChgRequest: "ConnStateChgRequest",
	CmdConnStateChgReply:   "ConnStateChgReply",
	CmdRetryWrite:          "RetryWrite",
	CmdProtocolUpdate:      "ProtocolUpdate",
	CmdTwopcPrepare:        "TwopcPrepare",
	CmdTwopcAbort:          "TwopcAbort",
	CmdDagTag:              "DagTag",
	CmdTwopcCommit:         "TwopcCommit",
	CmdTwopcYes:            "TwopcYes",
	CmdTwopcNo:             "TwopcNo",
	CmdTwopcRetry:          "TwopcRetry",
	CmdPeerAck:             "PeerAck",
	CmdPeersInSync:         "PeersInSync",
	CmdUUIDs110:            "UUIDs110",
	CmdPeerDagTag:          "PeerDagTag",
	CmdCurrentUUID:         "CurrentUUID",
	CmdPriReachable:        "PriReachable",
	CmdTrim:                "Trim",
	CmdInitialMeta:         "InitialMeta",
	CmdInitialData:         "InitialData",
	CmdConnectionFeatures:  "ConnectionFeatures",
}

// String returns the command name, or a hex rendering for unknown codes.
func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(0x%04x)", uint16(c))
}
