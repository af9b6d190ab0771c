package domain

import (
	"fmt"
	"strings"
)

// translations is checked in order; the first case-insensitive substring match wins.
var translations = []struct{ en, ar string }{
	{"No agents available", "لا توجد وكلاء متاحة"},
	{"Workflow orchestration is disabled", "تنسيق سير العمل معطل"},
	{"not found", "غير موجود"},
	{"Invalid request", "طلب غير صالح"},
	{"invalid workflow", "سير عمل غير صالح"},
	{"timed out", "انتهت مهلة العملية"},
	{"transport failure", "تعذر الوصول إلى الوكيل"},
	{"rate limit", "تم تجاوز حد الطلبات"},
	{"authentication failed", "فشلت المصادقة"},
	{"permission denied", "تم رفض الإذن"},
	{"Internal server error", "خطأ في الخادم الداخلي"},
}

// Translate returns the Arabic counterpart of an English message.
// Unmapped messages pass through unchanged.
func Translate(msg string) string {
	lower := strings.ToLower(msg)
	for _, t := range translations {
		if strings.Contains(lower, strings.ToLower(t.en)) {
			return t.ar
		}
	}
	return msg
}

// DelegatedMessage renders the bilingual confirmation for a delegated task.
func DelegatedMessage(a Agent) (en, ar string) {
	name := a.NameAR
	if name == "" {
		name = a.Name
	}
	return fmt.Sprintf("Task delegated to %s", a.Name), fmt.Sprintf("تم تفويض المهمة إلى %s", name)
}

// Message routing acknowledgements.
const (
	MsgRouted      = "Message successfully routed"
	MsgRoutedAR    = "تم توجيه الرسالة بنجاح"
	MsgRouteFail   = "Message delivery failed"
	MsgRouteFailAR = "فشل تسليم الرسالة"
)
