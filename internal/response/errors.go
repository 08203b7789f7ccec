package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Ticket ────────────────────────────────────────────────────────
	ErrTicketRequired ErrCode = "TICKET_REQUIRED"
	ErrTicketInvalid  ErrCode = "TICKET_INVALID"
	ErrTicketExpired  ErrCode = "TICKET_EXPIRED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session ───────────────────────────────────────────────────────
	ErrNoActiveSession   ErrCode = "NO_ACTIVE_SESSION"
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrSessionSubmitted  ErrCode = "SESSION_ALREADY_SUBMITTED"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidIndex      ErrCode = "INVALID_QUESTION_INDEX"
	ErrSubmitInFlight    ErrCode = "SUBMIT_IN_FLIGHT"
	ErrSubmitRetryable   ErrCode = "SUBMIT_FAILED_RETRY"
	ErrSubmissionPending ErrCode = "SUBMISSION_PENDING"

	// ─── Security ──────────────────────────────────────────────────────
	ErrDeviceKeyMissing ErrCode = "DEVICE_KEY_MISSING"
	ErrCryptoFailure    ErrCode = "CRYPTO_FAILURE"
	ErrTamperDetected   ErrCode = "TAMPER_DETECTED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Ticket ────────────────────────────────────────────────────────
	case ErrTicketRequired:
		return "Tiket ujian diperlukan."
	case ErrTicketInvalid:
		return "Tiket ujian tidak valid."
	case ErrTicketExpired:
		return "Tiket ujian telah kedaluwarsa."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Session ───────────────────────────────────────────────────────
	case ErrNoActiveSession:
		return "Tidak ada sesi ujian yang sedang dibuka."
	case ErrSessionNotFound:
		return "Sesi ujian tidak ditemukan."
	case ErrSessionSubmitted:
		return "Ujian ini sudah dikumpulkan dan tidak dapat diubah."
	case ErrUnknownQuestion:
		return "Soal ini bukan bagian dari ujian Anda."
	case ErrInvalidIndex:
		return "Nomor soal di luar jangkauan."
	case ErrSubmitInFlight:
		return "Pengumpulan sedang diproses. Mohon tunggu."
	case ErrSubmitRetryable:
		return "Pengumpulan gagal. Jawaban Anda aman, silakan coba lagi."
	case ErrSubmissionPending:
		return "Jawaban tersimpan dan akan dikirim otomatis saat koneksi kembali."

	// ─── Security ──────────────────────────────────────────────────────
	case ErrDeviceKeyMissing:
		return "Kunci perangkat belum tersedia. Hubungi pengawas ujian."
	case ErrCryptoFailure:
		return "Terjadi kesalahan enkripsi. Hubungi pengawas ujian."
	case ErrTamperDetected:
		return "Data jawaban tidak dapat diverifikasi. Hubungi pengawas ujian."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
