package inventory

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/policy"
	"github.com/senhakan/appcenter-server/pkg/store"
)

// RuleInput creates or patches a normalization rule. Nil fields are left
// unchanged on update.
type RuleInput struct {
	Pattern        *string `json:"pattern"`
	NormalizedName *string `json:"normalized_name"`
	MatchType      *string `json:"match_type"`
	IsActive       *bool   `json:"is_active"`
}

// LicenseInput creates or patches a license rule.
type LicenseInput struct {
	SoftwareNamePattern *string `json:"software_name_pattern"`
	MatchType           *string `json:"match_type"`
	LicenseType         *string `json:"license_type"`
	TotalLicenses       *int    `json:"total_licenses"`
	Description         *string `json:"description"`
	IsActive            *bool   `json:"is_active"`
}

func (r *Reconciler) ListRules(ctx context.Context) ([]store.SoftwareNormalizationRule, error) {
	var rules []store.SoftwareNormalizationRule
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, apperr.Internal("list normalization rules", err)
	}
	return rules, nil
}

// CreateRule stores a rule and reclassifies the stored snapshot.
func (r *Reconciler) CreateRule(ctx context.Context, in RuleInput) (*store.SoftwareNormalizationRule, error) {
	rule := store.SoftwareNormalizationRule{
		MatchType: string(policy.MatchContains),
		IsActive:  true,
	}
	if err := applyRule(&rule, in); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(&rule).Error; err != nil {
		return nil, apperr.Internal("create normalization rule", err)
	}
	if _, err := r.ReapplyNormalizationRules(ctx); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Reconciler) UpdateRule(ctx context.Context, id uint, in RuleInput) (*store.SoftwareNormalizationRule, error) {
	var rule store.SoftwareNormalizationRule
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rule, id).Error; err != nil {
			return notFound(err, "Rule not found")
		}
		if err := applyRule(&rule, in); err != nil {
			return err
		}
		return tx.Save(&rule).Error
	})
	if err != nil {
		return nil, apperr.Wrap("update normalization rule", err)
	}
	if _, err := r.ReapplyNormalizationRules(ctx); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *Reconciler) DeleteRule(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&store.SoftwareNormalizationRule{}, id)
	if res.Error != nil {
		return apperr.Internal("delete normalization rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("Rule not found")
	}
	_, err := r.ReapplyNormalizationRules(ctx)
	return err
}

func applyRule(rule *store.SoftwareNormalizationRule, in RuleInput) error {
	if in.Pattern != nil {
		rule.Pattern = strings.TrimSpace(*in.Pattern)
	}
	if in.NormalizedName != nil {
		rule.NormalizedName = policy.CleanName(*in.NormalizedName)
	}
	if in.MatchType != nil {
		rule.MatchType = strings.TrimSpace(*in.MatchType)
	}
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}
	if rule.Pattern == "" {
		return apperr.Validation("pattern is required")
	}
	if rule.NormalizedName == "" {
		return apperr.Validation("normalized_name is required")
	}
	if _, err := policy.ParseMatchType(rule.MatchType); err != nil {
		return apperr.Validation("Invalid match_type")
	}
	return nil
}

func (r *Reconciler) ListLicenses(ctx context.Context) ([]store.SoftwareLicense, error) {
	var licenses []store.SoftwareLicense
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&licenses).Error; err != nil {
		return nil, apperr.Internal("list licenses", err)
	}
	return licenses, nil
}

func (r *Reconciler) CreateLicense(ctx context.Context, in LicenseInput) (*store.SoftwareLicense, error) {
	license := store.SoftwareLicense{
		MatchType:   string(policy.MatchContains),
		LicenseType: policy.LicenseLicensed,
		IsActive:    true,
	}
	if err := applyLicense(&license, in); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(&license).Error; err != nil {
		return nil, apperr.Internal("create license", err)
	}
	return &license, nil
}

func (r *Reconciler) UpdateLicense(ctx context.Context, id uint, in LicenseInput) (*store.SoftwareLicense, error) {
	var license store.SoftwareLicense
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&license, id).Error; err != nil {
			return notFound(err, "License not found")
		}
		if err := applyLicense(&license, in); err != nil {
			return err
		}
		return tx.Save(&license).Error
	})
	if err != nil {
		return nil, apperr.Wrap("update license", err)
	}
	return &license, nil
}

func (r *Reconciler) DeleteLicense(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&store.SoftwareLicense{}, id)
	if res.Error != nil {
		return apperr.Internal("delete license", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("License not found")
	}
	return nil
}

func applyLicense(l *store.SoftwareLicense, in LicenseInput) error {
	if in.SoftwareNamePattern != nil {
		l.SoftwareNamePattern = strings.TrimSpace(*in.SoftwareNamePattern)
	}
	if in.MatchType != nil {
		l.MatchType = strings.TrimSpace(*in.MatchType)
	}
	if in.LicenseType != nil {
		l.LicenseType = strings.TrimSpace(*in.LicenseType)
	}
	if in.TotalLicenses != nil {
		l.TotalLicenses = *in.TotalLicenses
	}
	if in.Description != nil {
		l.Description = in.Description
	}
	if in.IsActive != nil {
		l.IsActive = *in.IsActive
	}
	if l.SoftwareNamePattern == "" {
		return apperr.Validation("software_name_pattern is required")
	}
	if _, err := policy.ParseMatchType(l.MatchType); err != nil {
		return apperr.Validation("Invalid match_type")
	}
	if err := policy.ParseLicenseType(l.LicenseType); err != nil {
		return apperr.Validation("Invalid license_type")
	}
	if l.TotalLicenses < 0 {
		return apperr.Validation("total_licenses must be >= 0")
	}
	return nil
}

// LicenseReport evaluates every active license against the current
// snapshot of the whole fleet.
func (r *Reconciler) LicenseReport(ctx context.Context) ([]policy.LicenseUsage, error) {
	db := r.db.WithContext(ctx)
	var licenses []store.SoftwareLicense
	if err := db.Where("is_active = ?", true).Order("id ASC").Find(&licenses).Error; err != nil {
		return nil, apperr.Internal("load licenses", err)
	}
	if len(licenses) == 0 {
		return []policy.LicenseUsage{}, nil
	}
	seen, err := installs(db)
	if err != nil {
		return nil, apperr.Internal("load installs", err)
	}
	return policy.Usage(licenses, seen), nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(msg)
	}
	return err
}
