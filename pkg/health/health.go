package health

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/vault-client-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type health struct {
	db    *gorm.DB
	redis *redis.Client
	vault *vault.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
	Vault *vault.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:    p.DB,
		redis: p.Redis,
		vault: p.Vault,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

// Readiness reports every wired dependency and answers 503 if any is down.
func (h *health) Readiness(c *gin.Context) {
	this := h.check(c.Request.Context())

	code := http.StatusOK
	if this.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, this)
}

func (h *health) check(ctx context.Context) *Health {
	this := &Health{
		Status:  StatusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 3),
	}

	if h.db != nil {
		dep := healthy(h.db.Name())
		sql, err := h.db.DB()
		if err == nil {
			err = sql.PingContext(ctx)
		}
		this.add(dep, err)
	}

	if h.redis != nil {
		this.add(healthy("redis"), h.redis.Ping(ctx).Err())
	}

	if h.vault != nil {
		_, err := h.vault.System.ReadHealthStatus(ctx)
		this.add(healthy("vault"), err)
	}

	return this
}

func healthy(name string) Dependency {
	return Dependency{Name: name, Status: StatusHealthy, Message: "OK"}
}

func (h *Health) add(dep Dependency, err error) {
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		h.Status = StatusUnhealthy
		h.Message = "dependency unavailable"
	}
	h.Deps = append(h.Deps, dep)
}
