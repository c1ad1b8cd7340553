package peerdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/cubeoverlay/node/internal/overlay"
)

// announceResponse mirrors the standard BitTorrent tracker compact
// announce reply, grounded on the compact-peer response dict used by the
// reference HTTP tracker handler this package borrows its wire shape
// from. Only the compact peer fields the overlay needs are decoded.
type announceResponse struct {
	Interval   int    `bencode:"interval"`
	Peers      string `bencode:"peers"`  // 6 bytes/IPv4 peer
	Peers6     string `bencode:"peers6"` // 18 bytes/IPv6 peer
	FailReason string `bencode:"failure reason"`
}

// TrackerClient announces a fixed info-hash and local listening port to a
// list of HTTP trackers, once per Announce call, learning back whatever
// peers they return. It runs no announce schedule of its own. Tracker errors are logged and skipped per
// spec.md §4.1's failure semantics; they are never fatal to the overlay.
type TrackerClient struct {
	Trackers []string
	InfoHash [20]byte
	client    *http.Client
}

func NewTrackerClient(trackers []string, infoHash [20]byte) *TrackerClient {
	return &TrackerClient{
		Trackers: trackers,
		InfoHash: infoHash,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Announce queries every configured tracker once and returns the union of
// learned addresses; callers typically feed each into PeerDB.LearnPeer.
// Failures on individual trackers are passed to logf and skipped; they
// never abort the others.
func (t *TrackerClient) Announce(ctx context.Context, localPort uint16, logf func(format string, args ...any)) []overlay.Address {
	var out []overlay.Address
	for _, base := range t.Trackers {
		addrs, err := t.announceOne(ctx, base, localPort)
		if err != nil {
			if logf != nil {
				logf("tracker %s: %v", base, err)
			}
			continue
		}
		out = append(out, addrs...)
	}
	return out
}

func (t *TrackerClient) announceOne(ctx context.Context, base string, localPort uint16) ([]overlay.Address, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(t.InfoHash[:]))
	q.Set("peer_id", string(t.InfoHash[:20])) // reuse info-hash bytes; we are not a torrent client proper
	q.Set("port", strconv.Itoa(int(localPort)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "0")
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("announce request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ar announceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &ar); err != nil {
		return nil, fmt.Errorf("decode bencode response: %w", err)
	}
	if ar.FailReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", ar.FailReason)
	}

	var addrs []overlay.Address
	addrs = append(addrs, decodeCompactIPv4([]byte(ar.Peers))...)
	addrs = append(addrs, decodeCompactIPv6([]byte(ar.Peers6))...)
	return addrs, nil
}

// decodeCompactIPv4 decodes the standard 6-bytes-per-peer (4 IP + 2 port)
// compact format.
func decodeCompactIPv4(b []byte) []overlay.Address {
	const recLen = 6
	var out []overlay.Address
	for i := 0; i+recLen <= len(b); i += recLen {
		ip := net.IP(b[i : i+4])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, overlay.NewWebsocketAddress(ip.String(), port))
	}
	return out
}

// decodeCompactIPv6 decodes the 18-bytes-per-peer (16 IP + 2 port) IPv6
// compact format.
func decodeCompactIPv6(b []byte) []overlay.Address {
	const recLen = 18
	var out []overlay.Address
	for i := 0; i+recLen <= len(b); i += recLen {
		ip := net.IP(b[i : i+16])
		port := binary.BigEndian.Uint16(b[i+16 : i+18])
		out = append(out, overlay.NewWebsocketAddress(ip.String(), port))
	}
	return out
}
