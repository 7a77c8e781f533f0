package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmdlabs/swarmd/internal/bus"
	"github.com/swarmdlabs/swarmd/internal/consensus"
	"github.com/swarmdlabs/swarmd/internal/registry"
	"github.com/swarmdlabs/swarmd/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.deleteSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/stats", s.getSwarmStats)

	// Agents
	mux.HandleFunc("GET /api/swarms/{id}/agents", s.listAgents)
	mux.HandleFunc("POST /api/swarms/{id}/agents", s.addAgent)
	mux.HandleFunc("DELETE /api/swarms/{id}/agents/{agentId}", s.removeAgent)
	mux.HandleFunc("POST /api/swarms/{id}/agents/{agentId}/heartbeat", s.heartbeat)

	// Tasks
	mux.HandleFunc("GET /api/swarms/{id}/tasks", s.listTasks)
	mux.HandleFunc("POST /api/swarms/{id}/tasks", s.submitTask)
	mux.HandleFunc("GET /api/swarms/{id}/tasks/{taskId}", s.getTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/start", s.startTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/complete", s.completeTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/fail", s.failTask)

	// Proposals
	mux.HandleFunc("POST /api/swarms/{id}/proposals", s.openProposal)
	mux.HandleFunc("GET /api/swarms/{id}/proposals/{proposalId}", s.getProposal)
	mux.HandleFunc("GET /api/swarms/{id}/proposals/{proposalId}/result", s.awaitProposal)
	mux.HandleFunc("POST /api/swarms/{id}/proposals/{proposalId}/votes", s.castVote)

	// Messaging
	mux.HandleFunc("POST /api/swarms/{id}/messages", s.sendMessage)
	mux.HandleFunc("POST /api/swarms/{id}/broadcast", s.broadcastMessage)
	mux.HandleFunc("POST /api/swarms/{id}/request", s.requestMessage)
	mux.HandleFunc("GET /api/swarms/{id}/agents/{agentId}/messages", s.receiveMessage)
	mux.HandleFunc("POST /api/swarms/{id}/channels/{channel}/subscribe", s.subscribeChannel)
	mux.HandleFunc("POST /api/swarms/{id}/channels/{channel}/unsubscribe", s.unsubscribeChannel)
	mux.HandleFunc("POST /api/swarms/{id}/channels/{channel}/messages", s.publishChannel)
	mux.HandleFunc("POST /api/forward", s.forwardMessage)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// httpStatus maps domain errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, swarm.ErrUnknownSwarm),
		errors.Is(err, swarm.ErrUnknownTask),
		errors.Is(err, registry.ErrUnknownAgent),
		errors.Is(err, consensus.ErrUnknownProposal):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateAgent),
		errors.Is(err, registry.ErrCapacityExceeded),
		errors.Is(err, swarm.ErrSwarmNotRunning),
		errors.Is(err, consensus.ErrProposalClosed):
		return http.StatusConflict
	case errors.Is(err, swarm.ErrNoEligibleAgent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, consensus.ErrUnauthorizedVoter):
		return http.StatusForbidden
	case errors.Is(err, bus.ErrNoRecipients):
		return http.StatusNotFound
	case errors.Is(err, bus.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*swarm.Coordinator, bool) {
	c, err := s.manager.GetSwarm(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return nil, false
	}
	return c, true
}

// --- swarms ---

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.manager.ListSwarms())
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topology  string `json:"topology"`
		MaxAgents int    `json:"max_agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Topology == "" {
		body.Topology = "mesh"
	}

	c, err := s.manager.CreateSwarm(body.Topology, body.MaxAgents)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonCreated(w, c.Stats())
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	jsonResponse(w, c.Stats())
}

func (s *Server) getSwarmStats(w http.ResponseWriter, r *http.Request) {
	s.getSwarm(w, r)
}

func (s *Server) deleteSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DestroySwarm(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "destroyed"})
}

// --- agents ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	if capability := r.URL.Query().Get("capability"); capability != "" {
		var out []registry.Agent
		for a := range c.ListByCapability(capability) {
			out = append(out, a)
		}
		jsonResponse(w, out)
		return
	}
	jsonResponse(w, c.Agents())
}

func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var d registry.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		jsonError(w, "invalid agent descriptor", http.StatusBadRequest)
		return
	}

	a, err := c.AddAgent(d)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonCreated(w, a)
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	removed := c.RemoveAgent(r.PathValue("agentId"))
	jsonResponse(w, map[string]bool{"removed": removed})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	if err := c.Heartbeat(r.PathValue("agentId")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

// --- tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	jsonResponse(w, c.Tasks())
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		Required []string `json:"required"`
		Priority string   `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := c.SubmitTask(body.Required, body.Priority)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonCreated(w, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	task, exists := c.GetTask(r.PathValue("taskId"))
	if !exists {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := c.StartTask(r.PathValue("taskId"), body.AgentID); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "running"})
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	if err := c.ReportCompletion(r.PathValue("taskId")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "completed"})
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := c.ReportFailure(r.PathValue("taskId"), body.Reason); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	task, _ := c.GetTask(r.PathValue("taskId"))
	jsonResponse(w, task)
}

// --- proposals ---

func (s *Server) openProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		Algorithm    string             `json:"algorithm"`
		Options      []string           `json:"options"`
		TimeoutMs    int64              `json:"timeout_ms"`
		Quorum       int                `json:"quorum"`
		Weights      map[string]float64 `json:"weights"`
		QuorumWeight float64            `json:"quorum_weight"`
		Leader       string             `json:"leader"`
		LeaderOption string             `json:"leader_option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := c.Decide(consensus.Spec{
		Algorithm:    consensus.Algorithm(body.Algorithm),
		Options:      body.Options,
		Timeout:      time.Duration(body.TimeoutMs) * time.Millisecond,
		Quorum:       body.Quorum,
		Weights:      body.Weights,
		QuorumWeight: body.QuorumWeight,
		Leader:       body.Leader,
		LeaderOption: body.LeaderOption,
	})
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonCreated(w, map[string]string{"proposal_id": id})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	res, open, err := c.ProposalStatus(r.PathValue("proposalId"))
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]any{"open": open, "result": res})
}

// awaitProposal blocks until the proposal is terminal or the client goes
// away.
func (s *Server) awaitProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	res, err := c.ProposalResult(r.Context(), r.PathValue("proposalId"))
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		AgentID    string  `json:"agent_id"`
		Option     string  `json:"option"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := c.Vote(r.PathValue("proposalId"), body.AgentID, body.Option, body.Confidence); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "accepted"})
}

// --- messaging ---

// defaultMessageTTL applies to messages whose caller omits ttl; a zero TTL
// would otherwise expire the message before delivery.
const defaultMessageTTL = time.Minute

func decodeMessage(r *http.Request) (bus.Message, error) {
	var msg bus.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return bus.Message{}, fmt.Errorf("invalid message body: %w", err)
	}
	if msg.TTL <= 0 {
		msg.TTL = defaultMessageTTL
	}
	return msg, nil
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	msg, err := decodeMessage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	acks, err := c.Send(msg)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, acks)
}

func (s *Server) broadcastMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	msg, err := decodeMessage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	acks, err := c.Broadcast(msg)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, acks)
}

func (s *Server) requestMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		Message   bus.Message `json:"message"`
		TimeoutMs int64       `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Message.TTL <= 0 {
		body.Message.TTL = defaultMessageTTL
	}

	reply, err := c.Request(r.Context(), body.Message, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, reply)
}

// receiveMessage blocks until the agent's next live message arrives or the
// client goes away.
func (s *Server) receiveMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	msg, err := c.Receive(r.Context(), r.PathValue("agentId"))
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, msg)
}

func (s *Server) subscribeChannel(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c.SubscribeChannel(body.AgentID, r.PathValue("channel"))
	jsonResponse(w, map[string]string{"status": "subscribed"})
}

func (s *Server) unsubscribeChannel(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c.UnsubscribeChannel(body.AgentID, r.PathValue("channel"))
	jsonResponse(w, map[string]string{"status": "unsubscribed"})
}

func (s *Server) publishChannel(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	msg, err := decodeMessage(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	acks, err := c.PublishChannel(r.PathValue("channel"), msg)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, acks)
}

func (s *Server) forwardMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToSwarm string      `json:"to_swarm"`
		Message bus.Message `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Message.TTL <= 0 {
		body.Message.TTL = defaultMessageTTL
	}

	if err := s.manager.Forward(body.ToSwarm, body.Message); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "forwarded"})
}

// --- system ---

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  formatUptime(time.Since(s.startedAt)),
		"swarms":  len(s.manager.ListSwarms()),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
