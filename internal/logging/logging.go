package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ginRequestIDKey is the gin context key carrying the request identifier.
const ginRequestIDKey = "requestID"

// Setup configures logrus output, level, and optional file rotation.
func Setup(level, filePath string) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	parsed, errParse := log.ParseLevel(strings.TrimSpace(level))
	if errParse != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if strings.TrimSpace(filePath) == "" {
		log.SetOutput(os.Stdout)
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

// RequestIDMiddleware assigns a request ID to every incoming request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		SetGinRequestID(c, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// SetGinRequestID stores a request ID on the gin context.
func SetGinRequestID(c *gin.Context, requestID string) {
	if c == nil {
		return
	}
	c.Set(ginRequestIDKey, requestID)
}

// GinRequestID returns the request ID stored on the gin context, if any.
func GinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(ginRequestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
