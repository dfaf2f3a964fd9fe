package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/shelfledger-backend/api/controllers"
	"github.com/angelmondragon/shelfledger-backend/api/middleware"
	"github.com/angelmondragon/shelfledger-backend/internal/borrowing"
	"github.com/angelmondragon/shelfledger-backend/internal/catalog"
	"github.com/angelmondragon/shelfledger-backend/internal/loans"
	"github.com/angelmondragon/shelfledger-backend/internal/users"
	"github.com/angelmondragon/shelfledger-backend/pkg/config"
	"github.com/angelmondragon/shelfledger-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/shelfledger-backend/pkg/redis"
)

// redisStore is the slice of the redis client the API needs.
type redisStore interface {
	pkgredis.IdempotencyStore
	controllers.Pinger
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient redisStore,
	gatherer prometheus.Gatherer,
	catalogService catalog.Service,
	usersService users.Service,
	loansService loans.Service,
	borrowingService borrowing.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisClient,
		}))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/books", func(r chi.Router) {
			r.Get("/", controllers.ListBooks(catalogService, logg))
			r.Post("/", controllers.CreateBooks(catalogService, logg))
			r.Get("/{bookId}", controllers.GetBook(catalogService, logg))
			r.Patch("/{bookId}", controllers.UpdateBook(catalogService, logg))
			r.Delete("/{bookId}", controllers.DeleteBook(catalogService, logg))
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", controllers.ListUsers(usersService, logg))
			r.Post("/", controllers.RegisterUser(usersService, logg))
			r.Get("/{userId}", controllers.GetUser(usersService, logg))
			r.Patch("/{userId}", controllers.UpdateUser(usersService, logg))
			r.Delete("/{userId}", controllers.DeleteUser(usersService, logg))
			r.Get("/{userId}/dues", controllers.UserDues(loansService, logg))
		})

		r.Route("/loans", func(r chi.Router) {
			r.Use(middleware.Idempotency(redisClient, logg))
			r.Post("/borrow", controllers.BorrowBooks(borrowingService, logg))
			r.Get("/{transactionId}", controllers.GetLoan(loansService, logg))
			r.Post("/{transactionId}/return", controllers.ReturnLoan(borrowingService, logg))
		})
	})

	return r
}
