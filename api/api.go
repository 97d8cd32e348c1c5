// Package api is the HTTP surface of the shop: checkout, payment status and
// SSE streams, provider webhooks, the buyer's order list, cart snapshots,
// comment proofs and the admin endpoints. Handlers stay thin and forward to
// the lifecycle machine, the watcher manager and the models.
package api

import (
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/satstall/satstall/api/apierr"
	"gitlab.com/satstall/satstall/build"
	"gitlab.com/satstall/satstall/bus"
	"gitlab.com/satstall/satstall/db"
	"gitlab.com/satstall/satstall/lifecycle"
	"gitlab.com/satstall/satstall/nostr/mirror"
	"gitlab.com/satstall/satstall/nostr/relaypool"
	"gitlab.com/satstall/satstall/notify"
	"gitlab.com/satstall/satstall/pay"
	"gitlab.com/satstall/satstall/watcher"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API.
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// SessionSecret signs the session cookie
	SessionSecret []byte
	// AdminPIN guards the admin endpoints
	AdminPIN string
	// CORSOrigins are the allowed browser origins
	CORSOrigins []string
	// OnchainMinSats is the smallest order total that may pay on-chain
	OnchainMinSats int64
}

// RestServer is the rest server for our app. It includes a Router, the db
// connection and the domain components the handlers forward to.
type RestServer struct {
	Router *gin.Engine

	database   *db.DB
	driver     pay.Driver
	machine    *lifecycle.Machine
	watchers   *watcher.Manager
	events     *bus.Bus
	dispatcher *notify.Dispatcher
	mirror     *mirror.Mirror
	pool       *relaypool.Pool
	shopKey    *btcec.PrivateKey

	cfg Config
}

func getCorsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"http://127.0.0.1:3000", "http://localhost:3000"}
	}
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"X-Nostr-Pubkey"},
		AllowCredentials: true,
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	engine.Use(gin.Recovery())

	// webhook bodies can carry provider secrets, the login body carries
	// the PIN
	engine.Use(build.GinLoggingMiddleware(log, []string{
		"/api/admin/login",
	}))

	engine.Use(cors.New(getCorsConfig(config.CORSOrigins)))
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp wires the HTTP surface. mirror, pool, dispatcher and shopKey may be
// nil when the shop runs without Nostr or email.
func NewApp(database *db.DB, driver pay.Driver, machine *lifecycle.Machine,
	watchers *watcher.Manager, events *bus.Bus, dispatcher *notify.Dispatcher,
	m *mirror.Mirror, pool *relaypool.Pool, shopKey *btcec.PrivateKey,
	config Config) (RestServer, error) {

	build.SetLogLevels(config.LogLevel)

	if len(config.SessionSecret) < 16 {
		return RestServer{}, errors.New("session secret must be at least 16 bytes")
	}
	if config.AdminPIN == "" {
		return RestServer{}, errors.New("admin PIN is not set")
	}

	g := getGinEngine(config)

	r := RestServer{
		Router:     g,
		database:   database,
		driver:     driver,
		machine:    machine,
		watchers:   watchers,
		events:     events,
		dispatcher: dispatcher,
		mirror:     m,
		pool:       pool,
		shopKey:    shopKey,
		cfg:        config,
	}

	r.Router.Use(r.sessionMiddleware())

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.Router.GET("/health", r.health())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerCheckoutRoutes()
	r.registerOrderRoutes()
	r.registerWebhookRoutes()
	r.registerNostrRoutes()
	r.registerAdminRoutes()

	return r, nil
}

func (r *RestServer) registerCheckoutRoutes() {
	checkout := r.Router.Group("/api/checkout")
	checkout.POST("/create-invoice", r.createInvoice())
	checkout.POST("/quote", r.shippingQuote())
}

func (r *RestServer) registerOrderRoutes() {
	r.Router.GET("/api/invoices/:paymentHash/status", r.invoiceStatus())
	r.Router.GET("/api/invoices/:paymentHash/stream", r.invoiceStream())
	r.Router.GET("/api/onchain/:swapId/status", r.swapStatus())
	r.Router.GET("/api/onchain/:swapId/stream", r.swapStream())
	r.Router.GET("/api/orders/mine", r.myOrders())
}

func (r *RestServer) registerWebhookRoutes() {
	r.Router.POST("/api/webhooks/:provider", r.handleWebhook())
}

func (r *RestServer) registerNostrRoutes() {
	r.Router.GET("/api/nostr/comment-proof", r.commentProof())
	r.Router.GET("/api/settings/public", r.publicSettings())
	r.Router.GET("/api/cart", r.getCart())
	r.Router.PUT("/api/cart", r.putCart())
}

func (r *RestServer) registerAdminRoutes() {
	r.Router.POST("/api/admin/login", r.adminLogin())

	admin := r.Router.Group("/api/admin", r.adminRequired())
	admin.GET("/orders", r.adminListOrders())
	admin.POST("/orders/:id/status", r.adminSetStatus())
	admin.POST("/orders/:id/resend-notification", r.adminResendNotification())
	admin.GET("/orders/:id/events", r.adminOrderEvents())
	admin.PUT("/settings", r.adminPutSettings())
	admin.POST("/nostr/republish", r.adminRepublish())
	admin.GET("/nostr/records", r.adminNostrRecords())
}
