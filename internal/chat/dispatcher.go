package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-projectchat/internal/types"
	"github.com/rs/zerolog"
)

// Dispatcher sends typed chat events to the gateway and fans inbound
// events out to subscribers. It never buffers: sends issued while the
// socket is down are dropped by the socket.
type Dispatcher struct {
	log    zerolog.Logger
	socket Socket
	clock  clock.Clock

	messages listenerSet[types.ChatMessage]
	updates  listenerSet[types.ProjectUpdate]
	typing   listenerSet[types.UserTyping]

	inbound map[string]*Listener[json.RawMessage]
}

func NewDispatcher(logger zerolog.Logger, socket Socket, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}

	d := &Dispatcher{
		log:    logger,
		socket: socket,
		clock:  clk,
	}

	d.inbound = map[string]*Listener[json.RawMessage]{
		types.EventReceiveMessage: NewListener(d.handleMessage),
		types.EventProjectUpdated: NewListener(d.handleProjectUpdate),
		types.EventUserTyping:     NewListener(d.handleTyping),
		types.EventError:          NewListener(d.handleError),
	}
	for event, l := range d.inbound {
		socket.On(event, l)
	}

	return d
}

// SendMessage emits a chat message. It returns nil, and emits nothing,
// when the trimmed message is empty or no project is given.
func (d *Dispatcher) SendMessage(projectId, message, sender string, messageType types.MessageType) *types.OutgoingMessage {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || projectId == "" {
		return nil
	}
	if messageType == "" {
		messageType = types.MessageTypeText
	}

	out := &types.OutgoingMessage{
		ProjectId:   projectId,
		Message:     trimmed,
		Sender:      sender,
		Timestamp:   d.clock.Now().UTC(),
		MessageType: messageType,
	}

	d.socket.Emit(types.EventSendMessage, out)
	return out
}

// SendStatusUpdate emits the structured update and a chat-visible
// status-update message describing it.
func (d *Dispatcher) SendStatusUpdate(projectId, oldStatus, newStatus, updatedBy string) *types.OutgoingMessage {
	return d.sendUpdate(projectId, types.UpdateTypeStatus, oldStatus, newStatus, updatedBy)
}

func (d *Dispatcher) SendPriorityUpdate(projectId, oldPriority, newPriority, updatedBy string) *types.OutgoingMessage {
	return d.sendUpdate(projectId, types.UpdateTypePriority, oldPriority, newPriority, updatedBy)
}

// sendUpdate emits nothing without a project, for either write.
func (d *Dispatcher) sendUpdate(projectId string, updateType types.UpdateType, oldValue, newValue, updatedBy string) *types.OutgoingMessage {
	if projectId == "" {
		return nil
	}

	d.socket.Emit(types.EventProjectUpdate, types.ProjectUpdate{
		ProjectId:  projectId,
		UpdateType: updateType,
		OldValue:   oldValue,
		NewValue:   newValue,
		UpdatedBy:  updatedBy,
	})

	return d.SendMessage(projectId, UpdateText(updateType, oldValue, newValue), updatedBy, updateMessageType(updateType))
}

// UpdateText renders the chat line announcing a status or priority change.
func UpdateText(updateType types.UpdateType, oldValue, newValue string) string {
	label := "Status"
	if updateType == types.UpdateTypePriority {
		label = "Priority"
	}
	return fmt.Sprintf(`%s updated from "%s" to "%s"`, label, oldValue, newValue)
}

func updateMessageType(updateType types.UpdateType) types.MessageType {
	if updateType == types.UpdateTypePriority {
		return types.MessageTypePriorityUpdate
	}
	return types.MessageTypeStatusUpdate
}

func (d *Dispatcher) StartTyping(projectId, userName string) {
	d.socket.Emit(types.EventTypingStart, types.TypingSignal{ProjectId: projectId, UserName: userName})
}

func (d *Dispatcher) StopTyping(projectId, userName string) {
	d.socket.Emit(types.EventTypingStop, types.TypingSignal{ProjectId: projectId, UserName: userName})
}

func (d *Dispatcher) Connected() bool {
	return d.socket.Connected()
}

func (d *Dispatcher) OnMessage(l *Listener[types.ChatMessage])  { d.messages.add(l) }
func (d *Dispatcher) OffMessage(l *Listener[types.ChatMessage]) { d.messages.remove(l) }

func (d *Dispatcher) OnProjectUpdate(l *Listener[types.ProjectUpdate])  { d.updates.add(l) }
func (d *Dispatcher) OffProjectUpdate(l *Listener[types.ProjectUpdate]) { d.updates.remove(l) }

func (d *Dispatcher) OnTyping(l *Listener[types.UserTyping])  { d.typing.add(l) }
func (d *Dispatcher) OffTyping(l *Listener[types.UserTyping]) { d.typing.remove(l) }

// Close detaches the dispatcher from the socket.
func (d *Dispatcher) Close() {
	for event, l := range d.inbound {
		d.socket.Off(event, l)
	}
}

func (d *Dispatcher) handleMessage(raw json.RawMessage) {
	var wire types.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		d.log.Error().Err(err).Msg("invalid receive-message payload")
		return
	}
	d.messages.emit(wire.Normalize())
}

func (d *Dispatcher) handleProjectUpdate(raw json.RawMessage) {
	var update types.ProjectUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		d.log.Error().Err(err).Msg("invalid project-updated payload")
		return
	}
	d.updates.emit(update)
}

func (d *Dispatcher) handleTyping(raw json.RawMessage) {
	var typing types.UserTyping
	if err := json.Unmarshal(raw, &typing); err != nil {
		d.log.Error().Err(err).Msg("invalid user-typing payload")
		return
	}
	d.typing.emit(typing)
}

func (d *Dispatcher) handleError(raw json.RawMessage) {
	var payload types.ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.log.Error().Err(err).Msg("invalid error payload")
		return
	}
	d.log.Warn().Int("code", payload.Code).Str("error", payload.Message).Msg("gateway rejected event")
}
