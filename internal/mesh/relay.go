// Package mesh implements the optional peer relay: it reserves the
// upper half of engine-a for outbound/inbound relay lanes, runs a
// best-effort heartbeat against registered peers over a thin websocket
// protocol, and relays each subscribed local slot's recent output to its
// peer's inbound lane over HTTP. No ordering or delivery guarantees are
// made beyond "pushed once per relay tick per subscription"; consensus
// across instances is out of scope.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	domainmatrix "github.com/r3e-network/execfabric/internal/domain/matrix"
	domainmesh "github.com/r3e-network/execfabric/internal/domain/mesh"
	"github.com/r3e-network/execfabric/internal/matrix"
	"github.com/r3e-network/execfabric/pkg/logger"
)

// Clock is injected for deterministic tests.
type Clock func() time.Time

// inboundRateLimit and inboundRateBurst bound how often any one peer may
// call the inbound relay endpoint. Sized for a mesh of at most
// domainmesh.MaxPeers cooperating instances, not public internet traffic.
const (
	inboundRateLimit = rate.Limit(20)
	inboundRateBurst = 40
)

// Relay owns peer registration, lane assignment, and the heartbeat/relay
// daemons. A single mutex guards peers, lanes, and subscriptions together
// since they must be updated atomically on register/remove.
type Relay struct {
	mu sync.RWMutex

	clock      Clock
	selfID     string
	httpClient *http.Client
	log        *logger.Logger

	registry *matrix.Registry

	peers         map[string]*domainmesh.Peer
	lanesUsed     [domainmesh.MaxPeers]bool // index -> lane slot occupied
	peerByLane    map[int]string            // lane index -> peer id
	subscriptions map[string][]string       // local address -> peer ids

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // peer id (or "unknown") -> inbound limiter

	heartbeatPeriod time.Duration
	httpTimeout     time.Duration
	cronSched       *cron.Cron
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// New constructs a relay bound to selfID (this instance's peer id) and
// registry (the local execution matrix).
func New(selfID string, registry *matrix.Registry, heartbeatPeriod, httpTimeout time.Duration, log *logger.Logger) *Relay {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	if httpTimeout <= 0 {
		httpTimeout = 5 * time.Second
	}
	return &Relay{
		clock:           time.Now,
		selfID:          selfID,
		registry:        registry,
		httpClient:      &http.Client{Timeout: httpTimeout},
		log:             log,
		peers:           make(map[string]*domainmesh.Peer),
		peerByLane:      make(map[int]string),
		subscriptions:   make(map[string][]string),
		limiters:        make(map[string]*rate.Limiter),
		heartbeatPeriod: heartbeatPeriod,
		httpTimeout:     httpTimeout,
		stopCh:          make(chan struct{}),
	}
}

// SetClock overrides the time source; used by tests.
func (r *Relay) SetClock(c Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

func (r *Relay) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

func (r *Relay) firstFreeLane() (int, bool) {
	for i := 0; i < domainmesh.MaxPeers; i++ {
		if !r.lanesUsed[i] {
			return i, true
		}
	}
	return 0, false
}

// RegisterPeer admits a new peer, assigning it the next free outbound and
// inbound lane pair in registration order, and stores a bcrypt hash of
// its shared secret rather than the secret itself.
func (r *Relay) RegisterPeer(id, baseURL, sharedSecret string) (domainmesh.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		return domainmesh.Peer{}, fabricerrors.Conflict("peer already registered: " + id)
	}
	lane, ok := r.firstFreeLane()
	if !ok {
		return domainmesh.Peer{}, fabricerrors.CapacityExhausted("mesh-peers")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(sharedSecret), bcrypt.DefaultCost)
	if err != nil {
		return domainmesh.Peer{}, fabricerrors.IOFailed("hash-peer-secret", err)
	}

	peer := &domainmesh.Peer{
		ID:           id,
		BaseURL:      baseURL,
		SecretHash:   hash,
		OutboundLane: domainmesh.OutboundLaneBase + lane,
		InboundLane:  domainmesh.InboundLaneBase + lane,
		RegisteredAt: r.now(),
	}
	r.peers[id] = peer
	r.lanesUsed[lane] = true
	r.peerByLane[lane] = id

	if r.log != nil {
		r.log.LogMeshEvent("peer-registered", id, logrus.Fields{"outbound_lane": peer.OutboundLane, "inbound_lane": peer.InboundLane})
	}
	return *peer, nil
}

// RemovePeer clears a peer's lanes and subscriptions without renumbering
// any other peer's lanes; lane identity stays stable.
func (r *Relay) RemovePeer(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[id]
	if !ok {
		return fabricerrors.NotFound("mesh-peer", id)
	}
	lane := peer.OutboundLane - domainmesh.OutboundLaneBase
	r.lanesUsed[lane] = false
	delete(r.peerByLane, lane)
	delete(r.peers, id)

	for addr, peerIDs := range r.subscriptions {
		filtered := peerIDs[:0]
		for _, p := range peerIDs {
			if p != id {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			delete(r.subscriptions, addr)
		} else {
			r.subscriptions[addr] = filtered
		}
	}
	return nil
}

// GetPeer returns a peer's current state, or nil if unknown.
func (r *Relay) GetPeer(id string) *domainmesh.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	if !ok {
		return nil
	}
	clone := *peer
	return &clone
}

// ListPeers returns every registered peer, ordered by lane index (i.e.
// registration order among currently-registered peers).
func (r *Relay) ListPeers() []domainmesh.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domainmesh.Peer, 0, len(r.peers))
	for lane := 0; lane < domainmesh.MaxPeers; lane++ {
		id, ok := r.peerByLane[lane]
		if !ok {
			continue
		}
		out = append(out, *r.peers[id])
	}
	return out
}

// Subscribe records that localAddress's recent output should be pushed to
// peerID's inbound lane on every relay tick.
func (r *Relay) Subscribe(localAddress, peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return fabricerrors.NotFound("mesh-peer", peerID)
	}
	for _, existing := range r.subscriptions[localAddress] {
		if existing == peerID {
			return nil
		}
	}
	r.subscriptions[localAddress] = append(r.subscriptions[localAddress], peerID)
	return nil
}

// relayPushBody is the JSON payload POSTed to a peer's inbound relay
// endpoint.
type relayPushBody struct {
	Source  string `json:"source"`
	Records []any  `json:"records"`
}

// RelayTick drains each subscription's local slot output (last five
// records) and pushes it once to the peer's inbound lane over HTTP.
// Failures are absorbed silently: best-effort relay, no retries.
func (r *Relay) RelayTick(ctx context.Context) {
	r.mu.RLock()
	type job struct {
		localAddr string
		peer      domainmesh.Peer
	}
	var jobs []job
	for addr, peerIDs := range r.subscriptions {
		for _, pid := range peerIDs {
			if peer, ok := r.peers[pid]; ok {
				jobs = append(jobs, job{localAddr: addr, peer: *peer})
			}
		}
	}
	r.mu.RUnlock()

	for _, j := range jobs {
		letter, position, ok := parseAddress(j.localAddr)
		if !ok {
			continue
		}
		slot := r.registry.GetSlotByAddress(letter, position)
		if slot == nil {
			continue
		}
		records, ok := r.registry.ReadSlotOutput(slot.ID, 5)
		if !ok || len(records) == 0 {
			continue
		}
		r.pushToPeer(ctx, j.peer, j.localAddr, records)
	}
}

func (r *Relay) pushToPeer(ctx context.Context, peer domainmesh.Peer, sourceAddr string, records []domainmatrix.BufferRecord) {
	body := relayPushBody{Source: sourceAddr}
	for _, rec := range records {
		body.Records = append(body.Records, rec.Data)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/relay/%s", peer.BaseURL, peer.InboundAddress())
	reqCtx, cancel := context.WithTimeout(ctx, r.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peer-ID", r.selfID)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if r.log != nil {
			r.log.LogMeshEvent("relay-push-failed", peer.ID, logrus.Fields{"error": err.Error(), "source": sourceAddr})
		}
		return
	}
	_ = resp.Body.Close()
}

// wsDialer is overridable in tests to avoid real network dials.
var wsDialer = websocket.DefaultDialer

// Ping opens a short-lived websocket connection to peer and sends one
// ping frame without waiting for a pong; the peer is marked alive when the
// dial succeeds. Best-effort: a
// failure only updates Alive, it never errors out to the caller.
func (r *Relay) Ping(ctx context.Context, peerID string) {
	r.mu.RLock()
	peer, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.httpTimeout)
	defer cancel()

	url := "ws" + trimScheme(peer.BaseURL) + "/mesh/heartbeat"
	conn, _, err := wsDialer.DialContext(dialCtx, url, nil)
	alive := err == nil
	if err == nil {
		_ = conn.WriteMessage(websocket.PingMessage, []byte(r.selfID))
		_ = conn.Close()
	}

	r.mu.Lock()
	if p, ok := r.peers[peerID]; ok {
		p.Alive = alive
		p.LastPingAt = r.now()
	}
	r.mu.Unlock()
}

func trimScheme(url string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return "://" + url[len(prefix):]
		}
	}
	return "://" + url
}

func parseAddress(addr string) (byte, int, bool) {
	if len(addr) < 2 {
		return 0, 0, false
	}
	letter := addr[0]
	pos := 0
	for i := 1; i < len(addr); i++ {
		c := addr[i]
		if c < '0' || c > '9' {
			return 0, 0, false
		}
		pos = pos*10 + int(c-'0')
	}
	if pos <= 0 {
		return 0, 0, false
	}
	return letter, pos, true
}

// StartDaemons launches the heartbeat and relay loops in the background:
// the heartbeat on a cron schedule ("@every heartbeatPeriod"), the relay
// loop on a ticker with the same period. Both loops honor Stop within one period plus one
// outstanding HTTP timeout.
func (r *Relay) StartDaemons(ctx context.Context) {
	r.mu.Lock()
	r.cronSched = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", r.heartbeatPeriod)
	_, _ = r.cronSched.AddFunc(spec, func() {
		for _, p := range r.ListPeers() {
			r.Ping(ctx, p.ID)
		}
	})
	r.cronSched.Start()
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RelayTick(ctx)
			}
		}
	}()
}

// Stop halts both daemons and waits for them to return.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.cronSched != nil {
		r.cronSched.Stop()
	}
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
}

// limiterFor returns (creating on first use) the token-bucket limiter
// bound to one calling peer.
func (r *Relay) limiterFor(peerID string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	lim, ok := r.limiters[peerID]
	if !ok {
		lim = rate.NewLimiter(inboundRateLimit, inboundRateBurst)
		r.limiters[peerID] = lim
	}
	return lim
}

// InboundHandler returns a gorilla/mux router exposing the mesh's one
// piece of network-facing wire surface: POST /relay/{address}, where a
// peer pushes its outbound lane's recent output into this instance's
// matching inbound lane. The target address must fall in the inbound
// range (49-64 on engine-a); anything else is rejected without touching
// the matrix. Each calling peer is rate-limited independently so one
// noisy or misbehaving peer cannot starve the others.
func (r *Relay) InboundHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/relay/{address}", r.handleInboundPush).Methods(http.MethodPost)
	return router
}

func (r *Relay) handleInboundPush(w http.ResponseWriter, req *http.Request) {
	peerID := req.Header.Get("X-Peer-ID")
	limitKey := peerID
	if limitKey == "" {
		limitKey = "unknown"
	}
	if !r.limiterFor(limitKey).Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "relay push rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	address := mux.Vars(req)["address"]
	letter, position, ok := parseAddress(address)
	if !ok || letter != 'a' || !domainmesh.InInboundRange(position) {
		http.Error(w, "address not in inbound relay range", http.StatusBadRequest)
		return
	}

	var body relayPushBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "malformed relay push body", http.StatusBadRequest)
		return
	}

	slot := r.registry.GetSlotByAddress(letter, position)
	if slot == nil {
		http.Error(w, "unknown inbound lane", http.StatusNotFound)
		return
	}
	source := body.Source
	if peerID != "" {
		source = "mesh:" + peerID
	}
	for _, rec := range body.Records {
		r.registry.PushToSlot(slot.ID, rec, source)
	}
	w.WriteHeader(http.StatusAccepted)
}
