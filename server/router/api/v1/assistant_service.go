package v1

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/staymate/concierge/ai/orchestrator"
	"github.com/staymate/concierge/store"
)

// maxAudioPayloadBytes bounds uploaded voice captures.
const maxAudioPayloadBytes = 16 << 20

type SendMessageRequest struct {
	ThreadUID string `json:"threadUid"`
	Content   string `json:"content"`
}

type SendMessageResponse struct {
	ThreadUID string `json:"threadUid"`
	State     string `json:"state"`
}

type SendVoiceResponse struct {
	ThreadUID  string `json:"threadUid"`
	Transcript string `json:"transcript"`
	Sent       bool   `json:"sent"`
}

type RenameThreadRequest struct {
	Title string `json:"title"`
}

type ThreadResponse struct {
	UID       string `json:"uid"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

type MessageResponse struct {
	UID       string `json:"uid"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedTs int64  `json:"createdTs"`
}

type ThreadViewResponse struct {
	Thread    ThreadResponse        `json:"thread"`
	Messages  []MessageResponse     `json:"messages"`
	State     string                `json:"state"`
	Loading   bool                  `json:"loading"`
	LastEvent *NotificationResponse `json:"lastEvent,omitempty"`
}

type NotificationResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	ThreadUID string `json:"threadUid,omitempty"`
	CreatedTs int64  `json:"createdTs"`
}

// SendMessage accepts a message for the assistant and returns immediately;
// the protocol runs in the background and its outcome is observable through
// the thread view and the notification feed. An omitted thread resolves to
// the user's current thread, created lazily.
func (s *APIV1Service) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	request := &SendMessageRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}
	if strings.TrimSpace(request.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message content is empty")
	}

	threadUID := request.ThreadUID
	if threadUID == "" {
		thread, err := s.Orchestrator.GetOrCreateThread(ctx, uid)
		if err != nil {
			return assistantHTTPError(err)
		}
		threadUID = thread.UID
	}

	if !s.sendSemaphore.TryAcquire(1) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many sends in flight")
	}
	if err := s.Orchestrator.StartSend(uid, threadUID, request.Content, func(error) {
		s.sendSemaphore.Release(1)
	}); err != nil {
		s.sendSemaphore.Release(1)
		return assistantHTTPError(err)
	}

	return c.JSON(http.StatusAccepted, &SendMessageResponse{
		ThreadUID: threadUID,
		State:     string(orchestrator.SendStateSending),
	})
}

// SendVoice accepts a finished audio capture, transcribes it synchronously
// and forwards the transcript into the regular send path. The transcript is
// returned so the caller can render it while the reply is pending.
func (s *APIV1Service) SendVoice(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	file, err := c.FormFile("audio")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing audio upload").SetInternal(err)
	}
	if file.Size > maxAudioPayloadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio upload too large")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open audio upload").SetInternal(err)
	}
	defer src.Close()
	payload, err := io.ReadAll(io.LimitReader(src, maxAudioPayloadBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read audio upload").SetInternal(err)
	}

	transcript, err := s.Voice.Transcribe(ctx, uid, payload)
	if err != nil {
		return assistantHTTPError(err)
	}
	if transcript == "" {
		// Nothing intelligible was captured; per contract nothing is sent.
		return c.JSON(http.StatusOK, &SendVoiceResponse{Transcript: "", Sent: false})
	}

	thread, ok := s.Orchestrator.ActiveThread(uid)
	if !ok {
		return assistantHTTPError(orchestrator.Ef(orchestrator.KindThreadNotReady, "no active thread for user %d", uid))
	}

	if !s.sendSemaphore.TryAcquire(1) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many sends in flight")
	}
	if err := s.Orchestrator.StartSend(uid, thread.UID, transcript, func(error) {
		s.sendSemaphore.Release(1)
	}); err != nil {
		s.sendSemaphore.Release(1)
		return assistantHTTPError(err)
	}

	return c.JSON(http.StatusAccepted, &SendVoiceResponse{
		ThreadUID:  thread.UID,
		Transcript: transcript,
		Sent:       true,
	})
}

func (s *APIV1Service) ListThreads(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	threads, err := s.Orchestrator.Threads().ListThreads(ctx, uid)
	if err != nil {
		return assistantHTTPError(err)
	}

	response := make([]ThreadResponse, 0, len(threads))
	for _, thread := range threads {
		response = append(response, convertThread(thread))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *APIV1Service) CreateThread(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	thread, err := s.Orchestrator.NewThread(ctx, uid)
	if err != nil {
		return assistantHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertThread(thread))
}

func (s *APIV1Service) GetThreadMessages(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	view, err := s.Orchestrator.ThreadView(ctx, uid, c.Param("uid"))
	if err != nil {
		return assistantHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertView(view))
}

// SwitchThread makes the thread the active one and returns its history in the
// same shape as GetThreadMessages, so the client swaps views in one call.
func (s *APIV1Service) SwitchThread(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	view, err := s.Orchestrator.SwitchThread(ctx, uid, c.Param("uid"))
	if err != nil {
		return assistantHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertView(view))
}

func (s *APIV1Service) RenameThread(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	request := &RenameThreadRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is empty")
	}

	thread, err := s.Orchestrator.RenameThread(ctx, uid, c.Param("uid"), title)
	if err != nil {
		return assistantHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertThread(thread))
}

func (s *APIV1Service) DeleteThread(c echo.Context) error {
	ctx := c.Request().Context()
	uid, err := userID(c)
	if err != nil {
		return err
	}

	if err := s.Orchestrator.DeleteThread(ctx, uid, c.Param("uid")); err != nil {
		return assistantHTTPError(err)
	}
	return c.JSON(http.StatusOK, true)
}

// ListNotifications returns the retained failure notifications for the user,
// oldest first.
func (s *APIV1Service) ListNotifications(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	events := s.Notifier.Recent(uid)
	response := make([]NotificationResponse, 0, len(events))
	for _, event := range events {
		response = append(response, convertEvent(&event))
	}
	return c.JSON(http.StatusOK, response)
}

func convertThread(thread *store.Thread) ThreadResponse {
	return ThreadResponse{
		UID:       thread.UID,
		Title:     thread.Title,
		CreatedTs: thread.CreatedTs,
		UpdatedTs: thread.UpdatedTs,
	}
}

func convertMessage(message *store.Message) MessageResponse {
	return MessageResponse{
		UID:       message.UID,
		Role:      string(message.Role),
		Content:   message.Content,
		CreatedTs: message.CreatedTs,
	}
}

func convertView(view *orchestrator.View) *ThreadViewResponse {
	messages := make([]MessageResponse, 0, len(view.Messages))
	for _, message := range view.Messages {
		messages = append(messages, convertMessage(message))
	}
	response := &ThreadViewResponse{
		Thread:   convertThread(view.Thread),
		Messages: messages,
		State:    string(view.State),
		Loading:  view.Loading,
	}
	if view.LastEvent != nil {
		event := convertEvent(view.LastEvent)
		response.LastEvent = &event
	}
	return response
}

func convertEvent(event *orchestrator.Event) NotificationResponse {
	return NotificationResponse{
		Kind:      string(event.Kind),
		Message:   event.Message,
		Detail:    event.Detail,
		ThreadUID: event.ThreadUID,
		CreatedTs: event.CreatedTs,
	}
}

// assistantHTTPError maps orchestrator failures onto HTTP statuses. Upstream
// failures surface as 502 so the client can tell "the assistant is down" from
// "this service is broken".
func assistantHTTPError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrThreadNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "thread not found")
	case errors.Is(err, orchestrator.ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, "message content is empty")
	}

	kind := orchestrator.KindOf(err)
	switch kind {
	case orchestrator.KindSendInFlight, orchestrator.KindThreadNotReady:
		return echo.NewHTTPError(http.StatusConflict, kind.Notification()).SetInternal(err)
	case orchestrator.KindAssistantUnavailable,
		orchestrator.KindRunFailed,
		orchestrator.KindPollTimeout,
		orchestrator.KindEmptyAssistantOutput,
		orchestrator.KindTranscription:
		return echo.NewHTTPError(http.StatusBadGateway, kind.Notification()).SetInternal(err)
	case orchestrator.KindPersistence:
		return echo.NewHTTPError(http.StatusInternalServerError, kind.Notification()).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to process request").SetInternal(err)
}
