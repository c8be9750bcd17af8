package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lvonguyen/intelify/internal/intel"
)

// GormStore implements Store using GORM and SQLite.
type GormStore struct {
	db *gorm.DB
}

// IndicatorModel is the GORM model for threat indicators.
type IndicatorModel struct {
	ID           string `gorm:"primaryKey"`
	Type         string `gorm:"uniqueIndex:idx_indicators_type_value"`
	Value        string `gorm:"uniqueIndex:idx_indicators_type_value"`
	Confidence   int
	RiskScore    int
	Description  string
	Tags         string // JSON encoded []string
	ASN          string
	Organization string
	Geolocation  string
	Metadata     string // JSON encoded map
	FirstSeen    time.Time
	LastSeen     time.Time
	IsActive     bool
	Sources      []SourceModel `gorm:"many2many:indicator_sources"`
}

// TableName overrides the default pluralized name.
func (IndicatorModel) TableName() string { return "indicators" }

// SourceModel is the GORM model for intelligence sources.
type SourceModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex"`
	Kind          string
	URL           string
	Reliability   int
	LastFetchedAt *time.Time
	Indicators    []IndicatorModel `gorm:"many2many:indicator_sources"`
}

// TableName overrides the default pluralized name.
func (SourceModel) TableName() string { return "sources" }

// AlertModel is the GORM model for alerts.
type AlertModel struct {
	ID          string `gorm:"primaryKey"`
	Type        string
	Severity    string
	Status      string
	Title       string
	Description string
	IndicatorID string `gorm:"index"`
	CreatedAt   time.Time
}

// TableName overrides the default pluralized name.
func (AlertModel) TableName() string { return "alerts" }

// CorrelationModel is the GORM model for correlation patterns.
type CorrelationModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"index"`
	RiskLevel   string
	Confidence  int
	Description string
	CreatedAt   time.Time
	Indicators  []IndicatorModel `gorm:"many2many:correlation_indicators"`
}

// TableName overrides the default pluralized name.
func (CorrelationModel) TableName() string { return "correlations" }

// NewGormStore opens (or creates) the SQLite database at path and migrates
// the schema. Use ":memory:" for an ephemeral store.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&IndicatorModel{}, &SourceModel{}, &AlertModel{}, &CorrelationModel{}); err != nil {
		return nil, err
	}

	db.Exec("CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators(last_seen)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_indicators_is_active ON indicators(is_active)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)")

	return &GormStore{db: db}, nil
}

// FindIndicator looks an indicator up by its (type, value) natural key.
func (s *GormStore) FindIndicator(ctx context.Context, t intel.Type, value string) (*IndicatorRecord, error) {
	var model IndicatorModel
	err := s.db.WithContext(ctx).Preload("Sources").
		Where("type = ? AND value = ?", string(t), value).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toRecord(model), nil
}

// CreateIndicator persists a new indicator and links its contributing
// sources, creating source rows as needed.
func (s *GormStore) CreateIndicator(ctx context.Context, rec *IndicatorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	model := toModel(*rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	return s.linkSources(ctx, &model, rec.Sources)
}

// UpdateIndicator overwrites the stored fields of an existing indicator and
// links any new contributing sources. Source links are idempotent.
func (s *GormStore) UpdateIndicator(ctx context.Context, rec *IndicatorRecord) error {
	model := toModel(*rec)
	if err := s.db.WithContext(ctx).Model(&IndicatorModel{ID: rec.ID}).
		Select("Confidence", "RiskScore", "Description", "Tags", "ASN",
			"Organization", "Geolocation", "Metadata", "LastSeen", "IsActive").
		Updates(&model).Error; err != nil {
		return err
	}
	return s.linkSources(ctx, &model, rec.Sources)
}

func (s *GormStore) linkSources(ctx context.Context, model *IndicatorModel, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		src, err := s.GetOrCreateSource(ctx, name, "OSINT", "")
		if err != nil {
			return err
		}
		err = s.db.WithContext(ctx).Model(model).
			Association("Sources").Append(&SourceModel{ID: src.ID})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListIndicators retrieves indicators matching the filter.
func (s *GormStore) ListIndicators(ctx context.Context, filter IndicatorFilter) ([]IndicatorRecord, error) {
	query := s.db.WithContext(ctx).Preload("Sources").Order("last_seen DESC")
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}
	if filter.MinRisk > 0 {
		query = query.Where("risk_score >= ?", filter.MinRisk)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []IndicatorModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models), nil
}

// ListActiveWithInfrastructure retrieves active indicators carrying a
// non-empty ASN or organization, the correlation engine's input set.
func (s *GormStore) ListActiveWithInfrastructure(ctx context.Context) ([]IndicatorRecord, error) {
	var models []IndicatorModel
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("(asn IS NOT NULL AND asn != '') OR (organization IS NOT NULL AND organization != '')").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toRecords(models), nil
}

// GetOrCreateSource fetches a source by name, creating it with default
// reliability when absent.
func (s *GormStore) GetOrCreateSource(ctx context.Context, name, kind, url string) (*SourceRecord, error) {
	var model SourceModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = SourceModel{
			ID:          uuid.NewString(),
			Name:        name,
			Kind:        kind,
			URL:         url,
			Reliability: 70,
		}
		if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return sourceToRecord(model, 0), nil
}

// TouchSource advances the source's last-fetched timestamp.
func (s *GormStore) TouchSource(ctx context.Context, name string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&SourceModel{}).
		Where("name = ?", name).
		Update("last_fetched_at", &now).Error
}

// ListSources retrieves all sources with their indicator counts, most
// recently fetched first.
func (s *GormStore) ListSources(ctx context.Context) ([]SourceRecord, error) {
	var models []SourceModel
	if err := s.db.WithContext(ctx).Order("last_fetched_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]SourceRecord, 0, len(models))
	for _, model := range models {
		count := s.db.WithContext(ctx).Model(&model).Association("Indicators").Count()
		records = append(records, *sourceToRecord(model, count))
	}
	return records, nil
}

// CreateAlert persists an alert.
func (s *GormStore) CreateAlert(ctx context.Context, alert *AlertRecord) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = AlertStatusNew
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	model := AlertModel(*alert)
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListAlerts retrieves the most recent alerts.
func (s *GormStore) ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []AlertModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]AlertRecord, len(models))
	for i, model := range models {
		records[i] = AlertRecord(model)
	}
	return records, nil
}

// CreateCorrelation persists a pattern and its indicator associations.
func (s *GormStore) CreateCorrelation(ctx context.Context, pattern *PatternRecord) error {
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = time.Now()
	}
	model := CorrelationModel{
		ID:          pattern.ID,
		Name:        pattern.Name,
		RiskLevel:   pattern.RiskLevel,
		Confidence:  pattern.Confidence,
		Description: pattern.Description,
		CreatedAt:   pattern.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	for _, id := range pattern.IndicatorIDs {
		err := s.db.WithContext(ctx).Model(&model).
			Association("Indicators").Append(&IndicatorModel{ID: id})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListCorrelations retrieves the most recent correlation patterns with their
// member indicator values.
func (s *GormStore) ListCorrelations(ctx context.Context, limit int) ([]PatternRecord, error) {
	query := s.db.WithContext(ctx).Preload("Indicators").Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []CorrelationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]PatternRecord, 0, len(models))
	for _, model := range models {
		rec := PatternRecord{
			ID:          model.ID,
			Name:        model.Name,
			RiskLevel:   model.RiskLevel,
			Confidence:  model.Confidence,
			Description: model.Description,
			CreatedAt:   model.CreatedAt,
		}
		for _, ind := range model.Indicators {
			rec.IndicatorIDs = append(rec.IndicatorIDs, ind.ID)
			rec.IndicatorValues = append(rec.IndicatorValues, ind.Value)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteCorrelationsByName removes all stored patterns with the given name,
// clearing their indicator associations first.
func (s *GormStore) DeleteCorrelationsByName(ctx context.Context, name string) error {
	var models []CorrelationModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).Find(&models).Error; err != nil {
		return err
	}
	for _, model := range models {
		if err := s.db.WithContext(ctx).Model(&model).Association("Indicators").Clear(); err != nil {
			return err
		}
	}
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&CorrelationModel{}).Error
}

// Stats computes the dashboard counters.
func (s *GormStore) Stats(ctx context.Context) (*StatsSnapshot, error) {
	snapshot := &StatsSnapshot{
		ByType:           make(map[string]int64),
		AlertsBySeverity: make(map[string]int64),
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&IndicatorModel{}).Count(&snapshot.TotalIndicators).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&IndicatorModel{}).Where("is_active = ?", true).
		Count(&snapshot.ActiveIndicators).Error; err != nil {
		return nil, err
	}

	type kvCount struct {
		Key   string
		Count int64
	}
	var byType []kvCount
	if err := db.Model(&IndicatorModel{}).
		Select("type AS key, COUNT(*) AS count").Group("type").
		Scan(&byType).Error; err != nil {
		return nil, err
	}
	for _, row := range byType {
		snapshot.ByType[row.Key] = row.Count
	}

	var bySeverity []kvCount
	if err := db.Model(&AlertModel{}).
		Select("severity AS key, COUNT(*) AS count").Group("severity").
		Scan(&bySeverity).Error; err != nil {
		return nil, err
	}
	for _, row := range bySeverity {
		snapshot.AlertsBySeverity[row.Key] = row.Count
	}

	if err := db.Model(&CorrelationModel{}).Count(&snapshot.Correlations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&SourceModel{}).Count(&snapshot.Sources).Error; err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toModel converts a domain record to its database model. Tags and metadata
// are JSON encoded; source links are handled separately.
func toModel(rec IndicatorRecord) IndicatorModel {
	tags := "[]"
	if len(rec.Tags) > 0 {
		if encoded, err := json.Marshal(rec.Tags); err == nil {
			tags = string(encoded)
		}
	}
	metadata := ""
	if len(rec.Metadata) > 0 {
		if encoded, err := json.Marshal(rec.Metadata); err == nil {
			metadata = string(encoded)
		}
	}
	return IndicatorModel{
		ID:           rec.ID,
		Type:         string(rec.Type),
		Value:        rec.Value,
		Confidence:   rec.Confidence,
		RiskScore:    rec.RiskScore,
		Description:  rec.Description,
		Tags:         tags,
		ASN:          rec.ASN,
		Organization: rec.Organization,
		Geolocation:  rec.Geolocation,
		Metadata:     metadata,
		FirstSeen:    rec.FirstSeen,
		LastSeen:     rec.LastSeen,
		IsActive:     rec.IsActive,
	}
}

// toRecord converts a database model back to a domain record.
func toRecord(model IndicatorModel) *IndicatorRecord {
	rec := &IndicatorRecord{
		ID:           model.ID,
		Type:         intel.Type(model.Type),
		Value:        model.Value,
		Confidence:   model.Confidence,
		RiskScore:    model.RiskScore,
		Description:  model.Description,
		ASN:          model.ASN,
		Organization: model.Organization,
		Geolocation:  model.Geolocation,
		FirstSeen:    model.FirstSeen,
		LastSeen:     model.LastSeen,
		IsActive:     model.IsActive,
	}
	if model.Tags != "" {
		_ = json.Unmarshal([]byte(model.Tags), &rec.Tags)
	}
	if model.Metadata != "" {
		_ = json.Unmarshal([]byte(model.Metadata), &rec.Metadata)
	}
	for _, src := range model.Sources {
		rec.Sources = append(rec.Sources, src.Name)
	}
	return rec
}

func toRecords(models []IndicatorModel) []IndicatorRecord {
	records := make([]IndicatorRecord, len(models))
	for i, model := range models {
		records[i] = *toRecord(model)
	}
	return records
}

func sourceToRecord(model SourceModel, count int64) *SourceRecord {
	return &SourceRecord{
		ID:             model.ID,
		Name:           model.Name,
		Kind:           model.Kind,
		URL:            model.URL,
		Reliability:    model.Reliability,
		LastFetchedAt:  model.LastFetchedAt,
		IndicatorCount: count,
	}
}
