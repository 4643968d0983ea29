package worker

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/khidmat/internal/db"
	"github.com/lalithlochan/khidmat/internal/reporting"
)

const (
	dateLayout        = "02 January 2006"
	noReportingTime   = "N/A"
	signature         = "JazakAllah Khair,\nJamaat Administration\n"
	noReasonGiven     = "No reason provided."
	subjectRegistered = "Sherullah Registration Received"
	subjectAllotment  = "Sherullah Duty Allotment Confirmation"
	subjectReminder   = "Reminder: Sherullah Khidmat Tomorrow"
)

// dutyDetails are the values shared by allotment and reminder messages.
type dutyDetails struct {
	Name          string
	Date          string
	Duty          string
	ReportingTime string
}

func detailsFor(reg *db.Registrant, slot *db.DutySlot) dutyDetails {
	return dutyDetails{
		Name:          reg.FullName,
		Date:          slot.DutyDate.Format(dateLayout),
		Duty:          reporting.DutyLabel(slot.DutyType),
		ReportingTime: reporting.Label(slot.DutyType, noReportingTime),
	}
}

func (d dutyDetails) params() []string {
	return []string{d.Name, d.Date, d.Duty, d.ReportingTime}
}

func registrationEmail(reg *db.Registrant) Email {
	applied := "Not specified"
	if len(reg.Preferences) > 0 {
		labels := make([]string, len(reg.Preferences))
		for i, p := range reg.Preferences {
			labels[i] = reporting.DutyLabel(p)
		}
		applied = strings.Join(labels, ", ")
	}

	return Email{
		To:      reg.Email,
		Subject: subjectRegistered,
		Body: fmt.Sprintf(`Afzalus salam %s,

Your Sherullah registration has been received successfully.

You have applied for the following khidmat:
%s

Our team will review your application and notify you once duty is allotted.

%s`, reg.FullName, applied, signature),
	}
}

func allotmentEmail(to string, d dutyDetails) Email {
	return Email{
		To:      to,
		Subject: subjectAllotment,
		Body: fmt.Sprintf(`Afzalus salam %s,

You have been allotted the following khidmat:

Date: %s
Khidmat: %s
Reporting Time: %s

This allotment is non-transferable. Please ensure you are present at the mosque on time.

%s`, d.Name, d.Date, d.Duty, d.ReportingTime, signature),
	}
}

func reminderEmail(to string, d dutyDetails) Email {
	return Email{
		To:      to,
		Subject: subjectReminder,
		Body: fmt.Sprintf(`Afzalus salam %s,

This is a reminder for your Sherullah khidmat tomorrow.

Date: %s
Khidmat: %s
Reporting Time: %s

Please ensure you arrive at the mosque on time.

%s`, d.Name, d.Date, d.Duty, d.ReportingTime, signature),
	}
}

// changeRequestText is the admin notice for a pending change request.
func changeRequestText(req *db.ChangeRequest, slot *db.DutySlot, reg *db.Registrant) (subject, text string) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = noReasonGiven
	}
	date := slot.DutyDate.Format(dateLayout)
	duty := reporting.DutyLabel(slot.DutyType)

	if req.Kind == db.RequestReallocate {
		subject = "Khidmat Reallocation Request"
		text = fmt.Sprintf("%s\n\nName: %s\nITS: %s\nCurrent Date: %s\nKhidmat: %s\n",
			subject, reg.FullName, reg.ITSNumber, date, duty)
		if req.PreferredDate != nil || req.PreferredType != nil {
			prefDate, prefDuty := date, duty
			if req.PreferredDate != nil {
				prefDate = req.PreferredDate.Format(dateLayout)
			}
			if req.PreferredType != nil {
				prefDuty = reporting.DutyLabel(*req.PreferredType)
			}
			text += fmt.Sprintf("Preferred: %s, %s\n", prefDate, prefDuty)
		}
		text += "\nReason: " + reason
		return subject, text
	}

	subject = "Khidmat Cancellation Request"
	text = fmt.Sprintf("%s\n\nName: %s\nITS: %s\nDate: %s\nKhidmat: %s\n\nReason: %s",
		subject, reg.FullName, reg.ITSNumber, date, duty, reason)
	return subject, text
}

