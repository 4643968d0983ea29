// Package sheets mirrors new registrations into the admin spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/reporting"
)

// DefaultSheetName is the tab registrations are appended to.
const DefaultSheetName = "Registration_Summary"

const registeredAtLayout = "02/01/2006 15:04:05"

// Header is the column order of the summary sheet.
var Header = []string{"Full Name", "ITS Number", "Email", "Contact", "Preference", "Registered At", "Status"}

// Config locates the spreadsheet and the service account key.
type Config struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
	Location        *time.Location
}

// Exporter appends registrant rows through the Sheets API.
type Exporter struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	loc           *time.Location
	logger        *zap.Logger
}

// New creates an exporter authenticated with a service account key file.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Exporter, error) {
	key, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read sheets credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, key, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse sheets credentials: %w", err)
	}

	service, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return NewWithService(service, cfg, logger), nil
}

// NewWithService builds an exporter around an existing service.
func NewWithService(service *sheets.Service, cfg Config, logger *zap.Logger) *Exporter {
	if cfg.SheetName == "" {
		cfg.SheetName = DefaultSheetName
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Exporter{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     cfg.SheetName,
		loc:           cfg.Location,
		logger:        logger,
	}
}

// Row renders a registrant in Header order.
func Row(reg *db.Registrant, loc *time.Location) []interface{} {
	prefs := make([]string, len(reg.Preferences))
	for i, p := range reg.Preferences {
		prefs[i] = reporting.DutyLabel(p)
	}
	return []interface{}{
		reg.FullName,
		reg.ITSNumber,
		reg.Email,
		reg.Phone,
		strings.Join(prefs, ", "),
		reg.CreatedAt.In(loc).Format(registeredAtLayout),
		string(reg.Status),
	}
}

// AppendRegistrant appends one row after the last filled row of the sheet.
func (e *Exporter) AppendRegistrant(ctx context.Context, reg *db.Registrant) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{Row(reg, e.loc)}}

	resp, err := e.service.Spreadsheets.Values.
		Append(e.spreadsheetID, e.sheetName+"!A:G", vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append registrant row: %w", err)
	}

	var updated string
	if resp.Updates != nil {
		updated = resp.Updates.UpdatedRange
	}
	e.logger.Debug("registrant row appended",
		zap.String("its_number", reg.ITSNumber),
		zap.String("range", updated),
	)
	return nil
}
