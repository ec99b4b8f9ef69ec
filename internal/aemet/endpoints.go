package aemet

import (
	"net/url"

	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// DefaultBaseURL is the AEMET OpenData API root.
const DefaultBaseURL = "https://opendata.aemet.es/opendata/api"

// InventoryPath lists the characteristics of every climatological station.
const InventoryPath = "/valores/climatologicos/inventarioestaciones/todasestaciones"

// DailyPath is the daily climatology of one station.
func DailyPath(r timerange.SubRange, station string) string {
	return "/valores/climatologicos/diarios/datos/fechaini/" + r.Start +
		"/fechafin/" + r.End + "/estacion/" + url.PathEscape(station)
}

// MonthlyPath is the monthly and annual climatology of one station.
func MonthlyPath(r timerange.SubRange, station string) string {
	return "/valores/climatologicos/mensualesanuales/datos/anioini/" + r.Start +
		"/aniofin/" + r.End + "/estacion/" + url.PathEscape(station)
}

// DailyAllStationsPath is the daily climatology of every station at once.
func DailyAllStationsPath(r timerange.SubRange) string {
	return "/valores/climatologicos/diarios/datos/fechaini/" + r.Start +
		"/fechafin/" + r.End + "/todasestaciones"
}
