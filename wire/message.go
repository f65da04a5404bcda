// Package wire implements the data-socket message framing of spec.md §6:
// a bidirectional stream of length-prefixed binary messages,
// `{ u32 code; u32 length; bytes body[length] }`.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"io"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/tinylib/msgp/msgp"
)

type Code uint32

const (
	CodeRequestWrite Code = iota + 1
	CodeReleaseWrite
	CodeGrantSynced
	CodeGrantUnsynced
	CodeAddUnsynced
	CodeDelUnsynced
	CodeSetHighwater
	CodeDrainRegion
	CodeBounceRequest
	CodeIdentify
	CodeReplyIdentify
	CodePauseRequests
	CodeResumeRequests
	CodeNeedServer
	CodeReplyConnectServer

	// CodeConnectServer is control-socket only: the local process's reply
	// to NEED_SERVER, carrying the data socket as an SCM_RIGHTS ancillary
	// message (spec.md §6, "Control socket").
	CodeConnectServer
)

func (c Code) String() string {
	switch c {
	case CodeRequestWrite:
		return "REQUEST_WRITE"
	case CodeReleaseWrite:
		return "RELEASE_WRITE"
	case CodeGrantSynced:
		return "GRANT_SYNCED"
	case CodeGrantUnsynced:
		return "GRANT_UNSYNCED"
	case CodeAddUnsynced:
		return "ADD_UNSYNCED"
	case CodeDelUnsynced:
		return "DEL_UNSYNCED"
	case CodeSetHighwater:
		return "SET_HIGHWATER"
	case CodeDrainRegion:
		return "DRAIN_REGION"
	case CodeBounceRequest:
		return "BOUNCE_REQUEST"
	case CodeIdentify:
		return "IDENTIFY"
	case CodeReplyIdentify:
		return "REPLY_IDENTIFY"
	case CodePauseRequests:
		return "PAUSE_REQUESTS"
	case CodeResumeRequests:
		return "RESUME_REQUESTS"
	case CodeNeedServer:
		return "NEED_SERVER"
	case CodeReplyConnectServer:
		return "REPLY_CONNECT_SERVER"
	case CodeConnectServer:
		return "CONNECT_SERVER"
	default:
		return "UNKNOWN"
	}
}

// RegnumBody is the body shared by every regnum-bearing message
// (REQUEST_WRITE, RELEASE_WRITE, GRANT_{SYNCED,UNSYNCED}, ADD_UNSYNCED,
// DEL_UNSYNCED, SET_HIGHWATER, DRAIN_REGION, BOUNCE_REQUEST).
type RegnumBody struct {
	Regnum uint64
}

func (b RegnumBody) MarshalMsg() []byte {
	return msgp.AppendUint64(nil, b.Regnum)
}

func (b *RegnumBody) UnmarshalMsg(buf []byte) error {
	v, _, err := msgp.ReadUint64Bytes(buf)
	if err != nil {
		return err
	}
	b.Regnum = v
	return nil
}

type IdentifyBody struct {
	ID uint32
}

func (b IdentifyBody) MarshalMsg() []byte { return msgp.AppendUint32(nil, b.ID) }

func (b *IdentifyBody) UnmarshalMsg(buf []byte) error {
	v, _, err := msgp.ReadUint32Bytes(buf)
	if err != nil {
		return err
	}
	b.ID = v
	return nil
}

type ReplyIdentifyBody struct {
	RegionBits uint32
}

func (b ReplyIdentifyBody) MarshalMsg() []byte { return msgp.AppendUint32(nil, b.RegionBits) }

func (b *ReplyIdentifyBody) UnmarshalMsg(buf []byte) error {
	v, _, err := msgp.ReadUint32Bytes(buf)
	if err != nil {
		return err
	}
	b.RegionBits = v
	return nil
}

// WriteMessage frames and writes one message: code, length, body.
func WriteMessage(w io.Writer, code Code, body []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(code))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return cmn.Wrap(err, "write message header")
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return cmn.Wrap(err, "write message body")
	}
	return nil
}

// WriteRegnum is a convenience wrapper for the nine regnum-bearing codes.
func WriteRegnum(w io.Writer, code Code, regnum uint64) error {
	return WriteMessage(w, code, RegnumBody{Regnum: regnum}.MarshalMsg())
}

// ReadMessage parses one framed message off r. A body length exceeding
// maxBody is fatal for the connection per spec.md §6.
func ReadMessage(r io.Reader, maxBody int) (Code, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err // EOF/socket error: caller reconnects
	}
	code := Code(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])
	if int(length) > maxBody {
		return code, nil, cmn.ErrMessageTooLong
	}
	if length == 0 {
		return code, nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return code, nil, err
	}
	return code, body, nil
}

// ReadRegnum decodes a RegnumBody from a message body.
func ReadRegnum(body []byte) (uint64, error) {
	var b RegnumBody
	if err := b.UnmarshalMsg(body); err != nil {
		return 0, err
	}
	return b.Regnum, nil
}
