package logging

import (
	"context"
)

type contextKey string

const (
	RunIDKey       contextKey = "run_id"
	SiteIDKey      contextKey = "site_id"
	PlatformKey    contextKey = "platform"
	ServiceNameKey contextKey = "service_name"
)

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithSiteID(ctx context.Context, siteID int) context.Context {
	return context.WithValue(ctx, SiteIDKey, siteID)
}

func WithPlatform(ctx context.Context, platform string) context.Context {
	return context.WithValue(ctx, PlatformKey, platform)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetSiteID returns 0 when no site is attached; site ids start at 1.
func GetSiteID(ctx context.Context) int {
	if siteID, ok := ctx.Value(SiteIDKey).(int); ok {
		return siteID
	}
	return 0
}

func GetPlatform(ctx context.Context) string {
	if platform, ok := ctx.Value(PlatformKey).(string); ok {
		return platform
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	if runID := GetRunID(ctx); runID != "" {
		fields = append(fields, string(RunIDKey), runID)
	}

	if siteID := GetSiteID(ctx); siteID != 0 {
		fields = append(fields, string(SiteIDKey), siteID)
	}

	if platform := GetPlatform(ctx); platform != "" {
		fields = append(fields, string(PlatformKey), platform)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, string(ServiceNameKey), serviceName)
	}

	return fields
}
