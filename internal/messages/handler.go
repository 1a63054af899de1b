package messages

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/auth"
	"github.com/ageniuscoder/mmchat/msgsync/internal/chat"
	"github.com/ageniuscoder/mmchat/msgsync/internal/convkey"
	"github.com/ageniuscoder/mmchat/msgsync/internal/httpx"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storage"
	"github.com/ageniuscoder/mmchat/msgsync/internal/utils"
)

const (
	defaultPage = 50
	maxPage     = 200
)

type Service struct {
	Repo *storage.Repo
	Hub  *chat.Hub
	Now  func() time.Time
	log  zerolog.Logger
}

type pageReq struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

type readReq struct {
	MessageIDs []string `json:"message_ids"`
}

func Register(rg *gin.RouterGroup, repo *storage.Repo, hub *chat.Hub) {
	s := Service{
		Repo: repo,
		Hub:  hub,
		Now:  time.Now,
		log:  logging.Component("messages"),
	}
	rg.POST("/messages", s.send)
	rg.GET("/conversations/:key/messages", s.list)
	rg.POST("/conversations/:key/read", s.markConversationRead)
	rg.POST("/messages/read", s.markRead)
}

func bindErr(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		httpx.Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
		return
	}
	httpx.Err(c, http.StatusBadRequest, err.Error())
}

func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req models.Outbound
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		httpx.Err(c, http.StatusBadRequest, "empty content")
		return
	}
	receiver := convkey.Normalize(req.Receiver)
	key, err := convkey.Key(uid, receiver)
	if err != nil {
		httpx.Err(c, http.StatusBadRequest, err.Error())
		return
	}
	if receiver == uid {
		httpx.Err(c, http.StatusBadRequest, "cannot message yourself")
		return
	}
	if !req.Kind.Valid() {
		httpx.Err(c, http.StatusBadRequest, "unknown kind")
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindNormal
	}

	msg := models.Message{
		ID:           uuid.NewString(),
		Sender:       uid,
		Receiver:     receiver,
		Content:      req.Content,
		Timestamp:    s.Now().UTC(),
		Kind:         req.Kind,
		Meta:         req.Meta,
		ClientTempID: req.ClientTempID,
	}
	if err := s.Repo.InsertMessage(c.Request.Context(), key, msg); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("insert failed")
		httpx.Err(c, http.StatusInternalServerError, "insert failed")
		return
	}

	// fanout via hub; the sender's copy is its echo
	s.Hub.BroadcastMessage(key, msg)

	httpx.Created(c, gin.H{"message": msg})
}

// participantKey returns the :key parameter if the caller takes part in it.
func participantKey(c *gin.Context, uid string) (string, bool) {
	key := c.Param("key")
	if _, _, err := convkey.Split(key); err != nil {
		httpx.Err(c, http.StatusBadRequest, "invalid conversation key")
		return "", false
	}
	if !convkey.Has(key, uid) {
		httpx.Err(c, http.StatusForbidden, "not a participant")
		return "", false
	}
	return key, true
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	key, ok := participantKey(c, uid)
	if !ok {
		return
	}
	var q pageReq
	if err := c.ShouldBindQuery(&q); err != nil {
		bindErr(c, err)
		return
	}
	if q.Limit <= 0 {
		q.Limit = defaultPage
	}
	if q.Limit > maxPage {
		q.Limit = maxPage
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	list, err := s.Repo.ListMessages(c.Request.Context(), key, q.Limit, q.Offset)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("list failed")
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	if list == nil {
		list = []models.Message{}
	}
	httpx.OK(c, gin.H{"messages": list})
}

func (s Service) markConversationRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	key, ok := participantKey(c, uid)
	if !ok {
		return
	}
	ids, err := s.Repo.MarkConversationRead(c.Request.Context(), key, uid)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("mark conversation read failed")
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	if peer, err := convkey.Peer(key, uid); err == nil {
		s.Hub.BroadcastReadReceipt(uid, peer, ids)
	}
	if ids == nil {
		ids = []string{}
	}
	httpx.OK(c, gin.H{"message_ids": ids})
}

func (s Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req readReq
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	if len(req.MessageIDs) == 0 {
		httpx.OK(c, gin.H{"message": "no messages to mark as read"})
		return
	}

	bySender, err := s.Repo.MarkMessagesRead(c.Request.Context(), uid, req.MessageIDs)
	if err != nil {
		s.log.Error().Err(err).Msg("mark messages read failed")
		httpx.Err(c, http.StatusInternalServerError, "db error")
		return
	}
	for sender, ids := range bySender {
		s.Hub.BroadcastReadReceipt(uid, sender, ids)
	}
	httpx.OK(c, gin.H{"message": "marked as read"})
}
