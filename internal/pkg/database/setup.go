package database

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

var DB *gorm.DB

// Config holds the connection settings for either supported driver.
type Config struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func ConfigFromEnv() Config {
	driver := strings.ToLower(strings.TrimSpace(env.GetEnv("DB_DRIVER", DriverMySQL)))
	defaultPort := "3306"
	if driver == DriverPostgres {
		defaultPort = "5432"
	}
	return Config{
		Driver:   driver,
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", defaultPort),
		User:     env.GetEnv("DB_USER", "foxpay"),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Name:     env.GetEnv("DB_NAME", "foxpay"),
	}
}

// Dialector returns the gorm dialector for the configured driver.
func (c Config) Dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case DriverMySQL, "":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
		return mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), nil
	case DriverPostgres:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port)
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", c.Driver)
	}
}

// MigrateURL returns the golang-migrate database URL for this config.
func (c Config) MigrateURL() (string, error) {
	user := url.UserPassword(c.User, c.Password)
	switch c.Driver {
	case DriverMySQL, "":
		return fmt.Sprintf("mysql://%s@tcp(%s:%s)/%s?multiStatements=true", user.String(), c.Host, c.Port, c.Name), nil
	case DriverPostgres:
		return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=disable", user.String(), c.Host, c.Port, c.Name), nil
	default:
		return "", fmt.Errorf("unsupported DB_DRIVER %q", c.Driver)
	}
}

// Models lists every table owned by this service.
func Models() []interface{} {
	return []interface{}{
		&models.User{},
		&models.BillingRecord{},
		&models.PaymentNotification{},
		&models.PaymentCallbackEvent{},
	}
}

// Open connects with duplicate-key errors translated to gorm.ErrDuplicatedKey.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	return gorm.Open(dialector, &gorm.Config{TranslateError: true})
}

func SetupDatabase() {
	cfg := ConfigFromEnv()

	var err error
	for i := 0; i < maxRetries; i++ {
		DB, err = Open(cfg)
		if err == nil {
			if migrateErr := DB.AutoMigrate(Models()...); migrateErr != nil {
				log.Errorf("[Database] AutoMigrate failed: %v", migrateErr)
			}
			log.Infof("[Database] Connected to %s at %s:%s/%s", cfg.Driver, cfg.Host, cfg.Port, cfg.Name)
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}

// GetDB returns the shared connection, connecting on first use.
func GetDB() *gorm.DB {
	if DB == nil {
		SetupDatabase()
	}
	return DB
}
