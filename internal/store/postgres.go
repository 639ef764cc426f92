package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"cryptosim/config"
	"cryptosim/internal/exception"
	"cryptosim/logger"
	"cryptosim/models"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

type userRecord struct {
	ID               string          `gorm:"primaryKey;size:64"`
	TotalRealizedPnL decimal.Decimal `gorm:"column:total_realized_pnl;type:numeric(38,18);not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (userRecord) TableName() string { return "users" }

type balanceRecord struct {
	UserID    string          `gorm:"primaryKey;size:64"`
	Asset     string          `gorm:"primaryKey;size:32"`
	Amount    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	UpdatedAt time.Time
}

func (balanceRecord) TableName() string { return "wallet_balances" }

type positionRecord struct {
	UserID      string          `gorm:"primaryKey;size:64"`
	Symbol      string          `gorm:"primaryKey;size:32"`
	TradeType   string          `gorm:"primaryKey;size:16"`
	BaseAsset   string          `gorm:"size:32;not null"`
	QuoteAsset  string          `gorm:"size:32;not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	AvgBuyPrice decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	UpdatedAt   time.Time
}

func (positionRecord) TableName() string { return "positions" }

type orderRecord struct {
	ID        string          `gorm:"primaryKey;size:36"`
	UserID    string          `gorm:"size:64;not null;index:idx_orders_user_created,priority:1"`
	Symbol    string          `gorm:"size:32;not null"`
	Side      string          `gorm:"size:8;not null"`
	Price     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Quantity  decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Total     decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	TradeType string          `gorm:"size:16;not null"`
	Status    string          `gorm:"size:16;not null"`
	CreatedAt time.Time       `gorm:"index:idx_orders_user_created,priority:2"`
}

func (orderRecord) TableName() string { return "orders" }

type tradeRecord struct {
	ID          string          `gorm:"primaryKey;size:36"`
	OrderID     string          `gorm:"size:36;not null;index"`
	UserID      string          `gorm:"size:64;not null;index:idx_trades_user_executed,priority:1"`
	Symbol      string          `gorm:"size:32;not null"`
	Side        string          `gorm:"size:8;not null"`
	Price       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Total       decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	TradeType   string          `gorm:"size:16;not null"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(38,18);not null;default:0"`
	ExecutedAt  time.Time       `gorm:"index:idx_trades_user_executed,priority:2"`
}

func (tradeRecord) TableName() string { return "trades" }

// Postgres is the gorm-backed store.
type Postgres struct {
	db  *gorm.DB
	log *logger.Log
}

// DSN builds a connection string from cfg. An explicit cfg.DSN wins.
func DSN(cfg config.PostgresConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	host := cfg.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.Database != "" {
		u.Path = "/" + cfg.Database
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()
	return u.String()
}

func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := NewPostgres(db)
	if cfg.AutoMigrate {
		if err := p.Migrate(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	p.log.WithComponent("store").WithFields(logger.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("postgres store ready")
	return p, nil
}

// NewPostgres wraps an open gorm handle.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db, log: logger.GetLogger()}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	err := p.db.WithContext(ctx).AutoMigrate(
		&userRecord{},
		&balanceRecord{},
		&positionRecord{},
		&orderRecord{},
		&tradeRecord{},
		&watchlistRecord{},
		&watchlistSymbolRecord{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) EnsureUser(ctx context.Context, userID string, initial models.Wallet) (models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return models.User{}, fmt.Errorf("user id is required")
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRecord{ID: userID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		for _, asset := range initial.Assets() {
			rec := balanceRecord{UserID: userID, Asset: asset, Amount: initial[asset]}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.User{}, fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return p.GetUser(ctx, userID)
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (models.User, error) {
	return loadUser(p.db.WithContext(ctx), userID, false)
}

func loadUser(tx *gorm.DB, userID string, lock bool) (models.User, error) {
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec userRecord
	if err := q.Where("id = ?", userID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, fmt.Errorf("user %s: %w", userID, exception.ErrNotFound)
		}
		return models.User{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	var balances []balanceRecord
	if err := tx.Where("user_id = ?", userID).Find(&balances).Error; err != nil {
		return models.User{}, fmt.Errorf("load wallet %s: %w", userID, err)
	}
	return toUser(rec, balances), nil
}

func (p *Postgres) GetPosition(ctx context.Context, key models.PositionKey) (models.Position, bool, error) {
	var rec positionRecord
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND trade_type = ?", key.UserID, key.Symbol, string(key.TradeType)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Position{}, false, nil
	}
	if err != nil {
		return models.Position{}, false, fmt.Errorf("get position %s: %w", key, err)
	}
	return toPosition(rec), true, nil
}

func (p *Postgres) ListPositions(ctx context.Context, userID string) ([]models.Position, error) {
	var recs []positionRecord
	if err := p.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol, trade_type").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list positions %s: %w", userID, err)
	}
	out := make([]models.Position, len(recs))
	for i, r := range recs {
		out[i] = toPosition(r)
	}
	return out, nil
}

func (p *Postgres) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	var recs []orderRecord
	if err := p.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list orders %s: %w", userID, err)
	}
	out := make([]models.Order, len(recs))
	for i, r := range recs {
		out[i] = toOrder(r)
	}
	return out, nil
}

func (p *Postgres) ListTrades(ctx context.Context, userID string) ([]models.Trade, error) {
	var recs []tradeRecord
	if err := p.db.WithContext(ctx).Where("user_id = ?", userID).Order("executed_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list trades %s: %w", userID, err)
	}
	out := make([]models.Trade, len(recs))
	for i, r := range recs {
		out[i] = toTrade(r)
	}
	return out, nil
}

// Settle runs the whole fill in one transaction. The user row is locked
// first so concurrent fills for the same user serialize on it.
func (p *Postgres) Settle(ctx context.Context, s Settlement) (models.User, error) {
	var updated models.User
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := loadUser(tx, s.UserID, true)
		if err != nil {
			return err
		}

		wallet, negative := applyDelta(user.Wallet, s.WalletDelta)
		if len(negative) > 0 {
			return fmt.Errorf("%w: %s", exception.ErrInsufficientBalance, strings.Join(negative, ","))
		}
		now := time.Now().UTC()
		for asset := range s.WalletDelta {
			rec := balanceRecord{UserID: s.UserID, Asset: asset, Amount: wallet[asset], UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "asset"}},
				DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
			}).Create(&rec).Error
			if err != nil {
				return fmt.Errorf("update balance %s: %w", asset, err)
			}
		}

		user.TotalRealizedPnL = user.TotalRealizedPnL.Add(s.PnLDelta)
		user.UpdatedAt = now
		err = tx.Model(&userRecord{}).Where("id = ?", s.UserID).Updates(map[string]interface{}{
			"total_realized_pnl": user.TotalRealizedPnL,
			"updated_at":         now,
		}).Error
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}

		key := s.Position.PositionKey
		if s.ClosePosition {
			err = tx.Where("user_id = ? AND symbol = ? AND trade_type = ?", key.UserID, key.Symbol, string(key.TradeType)).
				Delete(&positionRecord{}).Error
		} else {
			rec := fromPosition(s.Position)
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}, {Name: "trade_type"}},
				DoUpdates: clause.AssignmentColumns([]string{"quantity", "avg_buy_price", "updated_at"}),
			}).Create(&rec).Error
		}
		if err != nil {
			return fmt.Errorf("write position %s: %w", key, err)
		}

		order := fromOrder(s.Order)
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		trade := fromTrade(s.Trade)
		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		user.Wallet = wallet
		updated = user
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return updated, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toUser(rec userRecord, balances []balanceRecord) models.User {
	wallet := make(models.Wallet, len(balances))
	for _, b := range balances {
		wallet[b.Asset] = b.Amount
	}
	return models.User{
		ID:               rec.ID,
		Wallet:           wallet,
		TotalRealizedPnL: rec.TotalRealizedPnL,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
}

func toPosition(r positionRecord) models.Position {
	return models.Position{
		PositionKey: models.PositionKey{
			UserID:    r.UserID,
			Symbol:    r.Symbol,
			TradeType: models.TradeType(r.TradeType),
		},
		BaseAsset:   r.BaseAsset,
		QuoteAsset:  r.QuoteAsset,
		Quantity:    r.Quantity,
		AvgBuyPrice: r.AvgBuyPrice,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromPosition(p models.Position) positionRecord {
	return positionRecord{
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		TradeType:   string(p.TradeType),
		BaseAsset:   p.BaseAsset,
		QuoteAsset:  p.QuoteAsset,
		Quantity:    p.Quantity,
		AvgBuyPrice: p.AvgBuyPrice,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toOrder(r orderRecord) models.Order {
	return models.Order{
		ID:        r.ID,
		UserID:    r.UserID,
		Symbol:    r.Symbol,
		Side:      models.Side(r.Side),
		Price:     r.Price,
		Quantity:  r.Quantity,
		Total:     r.Total,
		TradeType: models.TradeType(r.TradeType),
		Status:    models.OrderStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
}

func fromOrder(o models.Order) orderRecord {
	return orderRecord{
		ID:        o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Price:     o.Price,
		Quantity:  o.Quantity,
		Total:     o.Total,
		TradeType: string(o.TradeType),
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
	}
}

func toTrade(r tradeRecord) models.Trade {
	return models.Trade{
		ID:          r.ID,
		OrderID:     r.OrderID,
		UserID:      r.UserID,
		Symbol:      r.Symbol,
		Side:        models.Side(r.Side),
		Price:       r.Price,
		Quantity:    r.Quantity,
		Total:       r.Total,
		TradeType:   models.TradeType(r.TradeType),
		RealizedPnL: r.RealizedPnL,
		ExecutedAt:  r.ExecutedAt,
	}
}

func fromTrade(t models.Trade) tradeRecord {
	return tradeRecord{
		ID:          t.ID,
		OrderID:     t.OrderID,
		UserID:      t.UserID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Price:       t.Price,
		Quantity:    t.Quantity,
		Total:       t.Total,
		TradeType:   string(t.TradeType),
		RealizedPnL: t.RealizedPnL,
		ExecutedAt:  t.ExecutedAt,
	}
}
