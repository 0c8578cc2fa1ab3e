package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"checkin/internal/auth"
	"checkin/internal/cloudinary"
	"checkin/internal/config"
	"checkin/internal/httpmiddleware"
	"checkin/internal/queue"
	"checkin/internal/registry"
	"checkin/internal/replay"
	"checkin/internal/store"
	"checkin/internal/token"
	"checkin/internal/validate"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// courseDirectory adapts the repository to the validator's cached-course
// lookup for one request.
type courseDirectory struct {
	ctx  context.Context
	repo *registry.Repository
}

func (d courseDirectory) Course(id string) (*validate.Course, error) {
	c, err := d.repo.GetCourse(d.ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	out := &validate.Course{ID: c.ID, Name: c.Name}
	if c.Latitude != nil && c.Longitude != nil {
		acc := 0.0
		if c.Accuracy != nil {
			acc = *c.Accuracy
		}
		out.Location = &token.Location{Latitude: *c.Latitude, Longitude: *c.Longitude, Accuracy: acc}
	}
	return out, nil
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "checkin:reviews")
	}

	repo := registry.NewRepository(db.Client)
	svc := registry.NewService(repo)
	signer := token.NewSigner(cfg.QRSigningKey)
	generator := token.NewGenerator(signer, cfg.TokenValidity)
	guard := replay.NewGuard(redisClient.Client, "")
	ctx := context.Background()

	// CDN client (nil when not configured); used to share rendered codes.
	var cdn *cloudinary.Client
	if cfg.CDNCloudName != "" && cfg.CDNAPIKey != "" && cfg.CDNAPISecret != "" {
		cdn = cloudinary.New(cfg.CDNCloudName, cfg.CDNAPIKey, cfg.CDNAPISecret, cfg.CDNFolder)
		log.Println("Cloudinary configured:", cfg.CDNCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	r := gin.New()

	r.Use(gin.Recovery())

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role := req.Role
		switch role {
		case "":
			role = auth.RoleStudent
		case auth.RoleStudent, auth.RoleInstructor, auth.RoleAdmin:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}

		if err := svc.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = repo.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.GET("/courses", func(c *gin.Context) {
		courses, err := repo.ListCourses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"courses": courses})
	})

	authGroup.GET("/courses/:id/sessions", func(c *gin.Context) {
		sessions, err := repo.ListSessions(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	// Generate a check-in code for a session. JSON by default; ?format=png
	// renders the QR image, and ?upload=1 also pushes it to the CDN.
	authGroup.POST("/courses/:id/token",
		auth.RequireRole(auth.RoleInstructor, auth.RoleAdmin),
		func(c *gin.Context) {
			var req struct {
				SessionID string   `json:"session_id" binding:"required"`
				Latitude  *float64 `json:"latitude"`
				Longitude *float64 `json:"longitude"`
				Accuracy  *float64 `json:"accuracy"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			courseID := c.Param("id")
			course, err := repo.GetCourse(c.Request.Context(), courseID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if course == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "course not found"})
				return
			}

			claimsAny, _ := c.Get("claims")
			claims, _ := claimsAny.(auth.Claims)
			if claims.Role == auth.RoleInstructor && course.Instructor != claims.Subject {
				c.JSON(http.StatusForbidden, gin.H{"error": "instructor mismatch"})
				return
			}

			sess, err := repo.GetSession(c.Request.Context(), req.SessionID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if sess == nil || sess.CourseID != courseID {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found for course"})
				return
			}

			var loc *token.Location
			switch {
			case req.Latitude != nil && req.Longitude != nil:
				acc := 0.0
				if req.Accuracy != nil {
					acc = *req.Accuracy
				}
				loc = &token.Location{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: acc}
			case course.Latitude != nil && course.Longitude != nil:
				acc := 0.0
				if course.Accuracy != nil {
					acc = *course.Accuracy
				}
				loc = &token.Location{Latitude: *course.Latitude, Longitude: *course.Longitude, Accuracy: acc}
			}

			tok := generator.Generate(courseID, req.SessionID, loc)
			encoded, err := tok.Encode()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
				return
			}

			if c.Query("format") == "png" {
				png, err := qrcode.Encode(encoded, qrcode.Medium, 512)
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
					return
				}
				if c.Query("upload") == "1" {
					if cdn == nil {
						c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
						return
					}
					result, err := cdn.UploadBytes(png, req.SessionID+".png")
					if err != nil {
						log.Printf("cloudinary upload failed: %v", err)
						c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
						return
					}
					c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID, "expires_at": tok.ExpiresAt})
					return
				}
				c.Data(http.StatusOK, "image/png", png)
				return
			}

			c.JSON(http.StatusCreated, gin.H{"token": tok, "encoded": encoded, "expires_at": tok.ExpiresAt})
		})

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			Token         string   `json:"token" binding:"required"`
			StudentID     string   `json:"student_id" binding:"required"`
			Latitude      *float64 `json:"latitude"`
			Longitude     *float64 `json:"longitude"`
			LocationError string   `json:"location_error"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Role == auth.RoleStudent && claims.Subject != req.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "student mismatch"})
			return
		}

		var pos *validate.Position
		if req.Latitude != nil && req.Longitude != nil {
			pos = &validate.Position{Latitude: *req.Latitude, Longitude: *req.Longitude}
		}
		var locErr error
		if req.LocationError != "" {
			locErr = errors.New(req.LocationError)
		}

		dir := courseDirectory{ctx: c.Request.Context(), repo: repo}
		res := validate.New(signer, dir).Validate(req.Token, pos, locErr)
		if !res.Success {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"result": res})
			return
		}

		// Single-use enforcement: the first scan of a signature wins.
		ttl := time.Until(res.Token.ExpiryTime())
		fresh, err := guard.Consume(c.Request.Context(), res.Token.Signature, ttl)
		if err != nil {
			log.Printf("replay guard unavailable: %v", err)
		} else if !fresh {
			c.JSON(http.StatusConflict, gin.H{"error": "code already used"})
			return
		}

		rec, err := svc.CheckIn(c.Request.Context(), res.Token.SessionID, req.StudentID, "qr", req.Latitude, req.Longitude)
		if err != nil {
			if errors.Is(err, registry.ErrDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "already checked in for this session"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := q.Publish(ctx, queue.Message{Type: "checkin", Body: []byte(rec.ID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusAccepted, gin.H{"record": rec, "result": res})
	})

	authGroup.POST("/checkins/manual",
		auth.RequireRole(auth.RoleInstructor, auth.RoleAdmin),
		func(c *gin.Context) {
			var req struct {
				SessionID string `json:"session_id" binding:"required"`
				StudentID string `json:"student_id" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			rec, err := svc.CheckIn(c.Request.Context(), req.SessionID, req.StudentID, "manual", nil, nil)
			if err != nil {
				if errors.Is(err, registry.ErrDuplicate) {
					c.JSON(http.StatusConflict, gin.H{"error": "already checked in for this session"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if err := q.Publish(ctx, queue.Message{Type: "checkin", Body: []byte(rec.ID)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
			c.JSON(http.StatusAccepted, gin.H{"record": rec})
		})

	authGroup.GET("/checkins", func(c *gin.Context) {
		sessionID := c.Query("session_id")
		studentID := c.Query("student_id")
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		records, err := repo.ListRecords(c.Request.Context(), sessionID, studentID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.POST("/checkins/:id/review",
		auth.RequireRole(auth.RoleInstructor, auth.RoleAdmin),
		func(c *gin.Context) {
			var req struct {
				Approve bool `json:"approve"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := svc.Review(c.Request.Context(), c.Param("id"), req.Approve); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
