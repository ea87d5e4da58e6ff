package model

import (
	"fmt"
	"strings"
)

// Derived identifiers. Re-deriving from the same natural key always yields the
// same id, so creation detects duplicates by id collision.

func SiteID(siteCode string) string { return "site-" + siteCode }

func TankID(siteID, atgTankID string) string {
	return fmt.Sprintf("tank-%s-%s", siteID, atgTankID)
}

func PumpID(siteID string, pumpNumber int) string {
	return fmt.Sprintf("pump-%s-%d", siteID, pumpNumber)
}

func PumpSideID(pumpID string, side Side) string {
	return fmt.Sprintf("ps-%s-%s", pumpID, strings.ToLower(string(side)))
}

func LayoutID(siteID string, version int) string {
	return fmt.Sprintf("layout-%s-v%d", siteID, version)
}

// PumpSideConnID is the connection row id of a pump side.
func PumpSideConnID(pumpSideID string) string { return "conn-" + pumpSideID }

// ATGConnID is the id of a site's single ATG connection row.
func ATGConnID(siteID string) string { return "conn-atg-" + siteID }

// Channel names used on the notification bus.

func SiteAlertsChannel(siteID string) string    { return "site:" + siteID + ":alerts" }
func SiteTelemetryChannel(siteID string) string { return "site:" + siteID + ":telemetry" }
func SiteConfigChannel(siteID string) string    { return "site:" + siteID + ":config" }

// SitesChannel carries site creation and deletion.
const SitesChannel = "sites"

// WildcardChannel matches every subscriber and every filter.
const WildcardChannel = "*"
