package protocol

import (
	"fmt"
	"jxta/datamodel/advertisement"
	"jxta/datamodel/message"
	"jxta/oid"
	"math"
	"strconv"
	"time"
)

// NewConnectRequest builds the lease request an edge peer sends to a rendezvous.
func NewConnectRequest(adv *advertisement.Advertisement) (*message.Message, error) {
	raw, err := adv.Bytes()
	if err != nil {
		return nil, fmt.Errorf("connect request: %v: %w", err, ErrFailed)
	}

	msg := message.New()
	msg.Add(message.NewElement(Namespace, ConnectRequest, message.MimeCBOR, raw))
	return msg, nil
}

// NewLeaseGrant builds the reply of a rendezvous granting a lease.
func NewLeaseGrant(rdvAdv *advertisement.Advertisement, rdvID *oid.Oid, lease time.Duration) (*message.Message, error) {
	raw, err := rdvAdv.Bytes()
	if err != nil {
		return nil, fmt.Errorf("lease grant: %v: %w", err, ErrFailed)
	}

	msg := message.New()
	msg.Add(message.NewElement(Namespace, RdvAdvReply, message.MimeCBOR, raw))
	msg.Add(message.NewStringElement(Namespace, ConnectedReply, rdvID.String()))
	msg.Add(message.NewStringElement(Namespace, LeaseReply, FormatLease(lease)))
	return msg, nil
}

// NewDisconnect builds the notice an edge peer sends when it gives up its lease.
func NewDisconnect(peerID *oid.Oid) *message.Message {
	msg := message.New()
	msg.Add(message.NewStringElement(Namespace, Disconnect, peerID.String()))
	return msg
}

const maxLeaseMillis = math.MaxInt64 / int64(time.Millisecond)

func FormatLease(lease time.Duration) string {
	return strconv.FormatInt(lease.Milliseconds(), 10)
}

// ParseLease reads a relative lease in milliseconds. Zero or negative means disconnected.
func ParseLease(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms > maxLeaseMillis {
		return 0, fmt.Errorf("lease %q: %w", s, ErrInvalidArgument)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
