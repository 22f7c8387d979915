// Package domain models the NCAR real-time ensemble archive hosted on the
// NCAR/CISL Research Data Archive (dataset ds300.0).
//
// # Data Source
//
// The ensemble is a 10-member, 3-km WRF configuration over the continental
// US, initialized daily at 00 UTC, with hourly output to forecast hour 48.
// Raw per-run output is distributed as one file per (member, forecast hour):
//
//	<year>/<yyyymmdd>/ncar_3km_<yyyymmddhh>_mem<m>_f<fff>.grb     (GRIB)
//	<year>/<yyyymmdd>/diags_d02_<yyyymmddhh>_mem_<m>_f<fff>.nc    (diagnostics)
//
// # Format generations
//
// Runs initialized before 2015-09-01 were published in GRIB edition 1 and
// gzip-compressed (".grb.gz" on the server). Runs on or after that date are
// GRIB edition 2, uncompressed, with a "2" appended to the extension
// (".grb2"). The two editions identify fields differently: GRIB1 by
// (parameter indicator, level-type indicator, level), GRIB2 by (parameter
// category, parameter number, level). The paramtable package maps both
// vocabularies onto canonical variable names.
//
// The archive holds runs from 2015-04-21 (earlier runs are missing GRIB
// variables) through 2017-12-31. Requests outside that window are skipped,
// not failed.
//
// # Coordinate vocabularies
//
// Member IDs run 1-10 and forecast hours 0-48 by default. Both are
// configurable, but a retrieval or ingest request outside the configured
// vocabulary is skipped with a warning rather than silently widening the
// dataset's coordinates: every processed archive in one dataset must share
// identical member and forecast-hour coordinates for the multi-run view to
// be valid.
package domain
