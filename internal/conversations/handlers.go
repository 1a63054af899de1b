package conversations

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ageniuscoder/mmchat/msgsync/internal/auth"
	"github.com/ageniuscoder/mmchat/msgsync/internal/httpx"
	"github.com/ageniuscoder/mmchat/msgsync/internal/logging"
	"github.com/ageniuscoder/mmchat/msgsync/internal/models"
	"github.com/ageniuscoder/mmchat/msgsync/internal/storage"
)

type Service struct {
	Repo *storage.Repo
	log  zerolog.Logger
}

func Register(rg *gin.RouterGroup, repo *storage.Repo) {
	s := Service{
		Repo: repo,
		log:  logging.Component("conversations"),
	}
	rg.GET("/conversations", s.listMine)
}

// listMine answers the caller's inbox: one entry per conversation with its unread count.
func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)

	list, err := s.Repo.ListConversations(c.Request.Context(), uid)
	if err != nil {
		s.log.Error().Err(err).Str("user", uid).Msg("list conversations failed")
		httpx.Err(c, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	if list == nil {
		list = []models.Conversation{}
	}
	httpx.OK(c, gin.H{"conversations": list})
}
