package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lucentra/lucentra/internal/http/handlers"
	"github.com/lucentra/lucentra/internal/ledger"
	"github.com/lucentra/lucentra/internal/lifecycle"
	"github.com/lucentra/lucentra/internal/logging"
	"github.com/lucentra/lucentra/internal/payments"
	"github.com/lucentra/lucentra/internal/quota"
	"github.com/lucentra/lucentra/internal/wallet"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Services bundles the components the router exposes.
type Services struct {
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Quota     *quota.Engine
	Wallets   *wallet.Service
	Lifecycle *lifecycle.Manager
	Payments  *payments.Service

	JWTSecret string
	JWTExpiry time.Duration
}

// NewRouter builds the gin engine with all platform routes.
func NewRouter(svc Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.RequestIDMiddleware())
	r.Use(AccessLogMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	billing := handlers.NewBillingHandler(svc.Quota)
	wallets := handlers.NewWalletHandler(svc.Wallets)
	txns := handlers.NewTransactionHandler(svc.Lifecycle)
	pay := handlers.NewPaymentHandler(svc.Payments)
	audit := handlers.NewAuditHandler(svc.DB, svc.Ledger)
	auth := handlers.NewAuthHandler(svc.DB, svc.JWTSecret, svc.JWTExpiry)
	provisioning := handlers.NewAdminHandler(svc.DB, svc.Ledger)

	r.POST("/auth/login", auth.PasswordLogin)

	api := r.Group("/", APIKeyAuthMiddleware(svc.DB, svc.JWTSecret))
	{
		api.POST("/billing/gate", billing.Gate)
		api.POST("/billing/record", billing.Record)
		api.POST("/billing/credit", billing.Credit)
		api.GET("/billing/summary/:accountID", billing.Summary)
		api.GET("/billing/state/:accountID", billing.State)

		api.POST("/wallet/token", wallets.CreateToken)
		api.POST("/wallet/purchase", wallets.Purchase)
		api.POST("/wallet/credit", wallets.Credit)
		api.GET("/wallet/:agentID", wallets.View)

		api.POST("/transactions", txns.Initiate)
		api.GET("/transactions", txns.List)
		api.GET("/transactions/:publicID", txns.Get)
		api.POST("/transactions/:publicID/transition", txns.Transition)
		api.POST("/transactions/:publicID/gates", txns.RecordGate)
		api.GET("/transactions/:publicID/gates", txns.Gates)
		api.GET("/transactions/:publicID/history", txns.History)
		api.POST("/transactions/:publicID/evidence", txns.AttachEvidence)
		api.POST("/transactions/:publicID/artifacts", txns.AttachArtifacts)
		api.POST("/transactions/:publicID/settle", txns.Settle)
		api.POST("/transactions/:publicID/rollback", txns.Rollback)

		api.POST("/payments/402", pay.Create402)
		api.POST("/payments/verify", pay.Verify)

		api.GET("/audit", audit.List)
		api.GET("/audit/verify", audit.Verify)
	}

	admin := api.Group("/admin", AdminRequired())
	{
		admin.POST("/login", auth.Login)
		admin.POST("/accounts", billing.CreateAccount)
		admin.PUT("/accounts/:accountID/quotas", billing.SetQuota)
		admin.POST("/keys", provisioning.CreateKey)
		admin.POST("/approvers", provisioning.CreateApprover)
	}

	return r
}
