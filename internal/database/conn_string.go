package database

import (
	"net/url"
	"strconv"

	"github.com/rickgao/quotecache/internal/config"
)

// applicationName tags archive connections in pg_stat_activity.
const applicationName = "quotecache"

// BuildConnString builds a PostgreSQL connection URL from config.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	query.Set("application_name", applicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	return u.String()
}
