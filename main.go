package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydesk/mailcore/internal/auth"
	"github.com/relaydesk/mailcore/internal/config"
	"github.com/relaydesk/mailcore/internal/match"
	"github.com/relaydesk/mailcore/internal/model"
	"github.com/relaydesk/mailcore/internal/natsjs"
	"github.com/relaydesk/mailcore/internal/outbound"
	"github.com/relaydesk/mailcore/internal/provider"
	"github.com/relaydesk/mailcore/internal/provider/gmail"
	"github.com/relaydesk/mailcore/internal/provider/outlook"
	"github.com/relaydesk/mailcore/internal/store"
	"github.com/relaydesk/mailcore/internal/sync"
	"github.com/relaydesk/mailcore/internal/tokens"
)

type createChannelRequest struct {
	Provider         string `json:"provider" binding:"required"`
	Name             string `json:"name" binding:"required"`
	Domain           string `json:"domain" binding:"required"`
	FetchFolder      string `json:"fetch_folder"`
	SyncIntervalSecs int64  `json:"sync_interval_secs"`
}

type replyRequest struct {
	Body     string `json:"body" binding:"required"`
	BodyHTML string `json:"body_html"`
}

type notifyRequest struct {
	Body string `json:"body" binding:"required"`
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.EnsureStream(ctx); err != nil {
		logger.Fatal("failed to ensure event stream", zap.Error(err))
	}

	factory := provider.Select(map[model.Provider]provider.EmailProvider{
		model.ProviderGoogle: gmail.New(gmail.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}),
		model.ProviderMicrosoft365: outlook.New(outlook.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURL,
			TenantID:     cfg.Microsoft.TenantID,
		}),
	})

	tokenManager := tokens.NewManager(st, factory, logger)
	matcher := match.New(st, logger)
	syncManager := sync.NewManager(st, factory, tokenManager, matcher, publisher, logger)
	dispatcher := outbound.NewDispatcher(st, factory, tokenManager, publisher, logger)

	if cfg.JWKSURL == "" {
		logger.Fatal("JWKS_URL is required")
	}
	verifier, err := auth.NewVerifier(cfg.JWKSURL, cfg.JWTIssuer)
	if err != nil {
		logger.Fatal("failed to create JWT verifier", zap.Error(err))
	}

	if err := syncManager.StartAll(ctx); err != nil {
		logger.Warn("failed to start channel syncs", zap.Error(err))
	}
	defer syncManager.StopAll()

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The OAuth callback is hit by the provider's redirect, which carries
	// no bearer token; the state ties it back to the channel.
	r.GET("/oauth/callback", func(c *gin.Context) {
		channelID, err := strconv.ParseInt(c.Query("state"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}

		ch, err := st.ChannelByID(c.Request.Context(), channelID)
		if err != nil || ch == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}

		adapter, err := factory(ch.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tok, err := adapter.Exchange(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		if _, err := st.UpdateChannelToken(c.Request.Context(), ch.ID,
			tok.AccessToken, tok.RefreshToken, tok.Expiry, ch.TokenExpiry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ch.AccessToken = tok.AccessToken
		ch.RefreshToken = tok.RefreshToken
		ch.TokenExpiry = tok.Expiry

		email, err := adapter.UserEmail(c.Request.Context(), ch)
		if err != nil {
			logger.Warn("failed to resolve mailbox address",
				zap.Int64("channel_id", ch.ID), zap.Error(err))
		} else if err := st.UpdateChannelEmail(c.Request.Context(), ch.ID, email); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ch.Email = email

		if !syncManager.IsRunning(ch.ID) {
			if err := syncManager.StartChannel(ctx, ch); err != nil {
				logger.Warn("failed to start sync after authorization",
					zap.Int64("channel_id", ch.ID), zap.Error(err))
			}
		}

		c.JSON(http.StatusOK, gin.H{"channel_id": ch.ID, "email": email})
	})

	api := r.Group("/")
	api.Use(verifier.Middleware())

	api.POST("/channels", func(c *gin.Context) {
		id, _ := auth.FromContext(c)

		var req createChannelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ch := &model.Channel{
			OrganizationID: id.OrganizationID,
			Provider:       model.Provider(req.Provider),
			Name:           req.Name,
			Domain:         req.Domain,
			FetchFolder:    req.FetchFolder,
			SyncInterval:   time.Duration(req.SyncIntervalSecs) * time.Second,
		}
		if ch.SyncInterval == 0 {
			ch.SyncInterval = cfg.SyncInterval
		}
		if _, err := factory(ch.Provider); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := st.InsertChannel(c.Request.Context(), ch); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, ch)
	})

	api.GET("/channels", func(c *gin.Context) {
		id, _ := auth.FromContext(c)

		channels, err := st.ListChannels(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		owned := make([]*model.Channel, 0, len(channels))
		for _, ch := range channels {
			if ch.OrganizationID == id.OrganizationID {
				ch.AccessToken = ""
				ch.RefreshToken = ""
				owned = append(owned, ch)
			}
		}
		c.JSON(http.StatusOK, owned)
	})

	api.GET("/channels/:id/authorize", func(c *gin.Context) {
		ch, ok := ownedChannel(c, st)
		if !ok {
			return
		}

		adapter, err := factory(ch.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		url, err := adapter.AuthorizeURL(fmt.Sprintf("%d", ch.ID))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorize_url": url})
	})

	api.POST("/channels/:id/test", func(c *gin.Context) {
		ch, ok := ownedChannel(c, st)
		if !ok {
			return
		}

		adapter, err := factory(ch.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ch, err = tokenManager.EnsureValid(c.Request.Context(), ch)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, adapter.TestConnection(c.Request.Context(), ch))
	})

	api.GET("/channels/:id/folders", func(c *gin.Context) {
		ch, ok := ownedChannel(c, st)
		if !ok {
			return
		}

		adapter, err := factory(ch.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ch, err = tokenManager.EnsureValid(c.Request.Context(), ch)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		folders, err := adapter.ListFolders(c.Request.Context(), ch)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, folders)
	})

	api.POST("/channels/:id/sync", func(c *gin.Context) {
		ch, ok := ownedChannel(c, st)
		if !ok {
			return
		}

		n, err := syncManager.SyncNow(c.Request.Context(), ch.ID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ingested": n})
	})

	api.GET("/tickets/:id", func(c *gin.Context) {
		t, ok := ownedTicket(c, st)
		if !ok {
			return
		}

		msgs, err := st.MessagesForTicket(c.Request.Context(), t.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticket": t, "messages": msgs})
	})

	api.POST("/tickets/:id/reply", func(c *gin.Context) {
		t, ok := ownedTicket(c, st)
		if !ok {
			return
		}

		var req replyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		m, err := dispatcher.SendReply(c.Request.Context(), t.ID, req.Body, req.BodyHTML)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, m)
	})

	api.POST("/tickets/:id/notify", func(c *gin.Context) {
		t, ok := ownedTicket(c, st)
		if !ok {
			return
		}

		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := dispatcher.SendNotification(c.Request.Context(), t.ID, req.Body); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})

	api.POST("/tickets/:id/archive", func(c *gin.Context) {
		t, ok := ownedTicket(c, st)
		if !ok {
			return
		}

		if err := dispatcher.ArchiveOriginal(c.Request.Context(), t.ID); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "archived"})
	})

	logger.Info("listening", zap.Int("port", cfg.Port))
	if err := r.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// ownedChannel loads the :id channel and enforces organization ownership.
func ownedChannel(c *gin.Context, st *store.Store) (*model.Channel, bool) {
	id, _ := auth.FromContext(c)

	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return nil, false
	}

	ch, err := st.ChannelByID(c.Request.Context(), channelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if ch == nil || ch.OrganizationID != id.OrganizationID {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return nil, false
	}
	return ch, true
}

// ownedTicket loads the :id ticket and enforces organization ownership.
func ownedTicket(c *gin.Context, st *store.Store) (*model.Ticket, bool) {
	id, _ := auth.FromContext(c)

	ticketID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return nil, false
	}

	t, err := st.TicketByID(c.Request.Context(), ticketID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if t == nil || t.OrganizationID != id.OrganizationID {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return nil, false
	}
	return t, true
}
