package database

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"gorm.io/gorm"
)

// ErrAlreadyFinished 表示证书已处于终态，重复的任务投递不再计数。
var ErrAlreadyFinished = errors.New("issued certificate already finished")

const maxErrorMessageBytes = 1024

// MarkIssuedCompleted 将证书标记为完成并累加批次进度。
func MarkIssuedCompleted(ctx context.Context, db *gorm.DB, issuedID uint, storagePath string) (*CertificateBatch, error) {
	return finishIssued(ctx, db, issuedID, map[string]any{
		"status":        IssuedStatusCompleted,
		"storage_path":  storagePath,
		"error_message": "",
	}, "completed")
}

// MarkIssuedFailed 将证书标记为失败并累加批次失败数。
func MarkIssuedFailed(ctx context.Context, db *gorm.DB, issuedID uint, cause string) (*CertificateBatch, error) {
	cause = truncateUTF8(cause, maxErrorMessageBytes)
	return finishIssued(ctx, db, issuedID, map[string]any{
		"status":        IssuedStatusFailed,
		"error_message": cause,
	}, "failed")
}

// finishIssued 只在 pending → 终态 的转换成功时累加计数，批次全部结束时写入最终状态。
func finishIssued(ctx context.Context, db *gorm.DB, issuedID uint, updates map[string]any, counter string) (*CertificateBatch, error) {
	var batch CertificateBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var issued IssuedCertificate
		if err := tx.First(&issued, issuedID).Error; err != nil {
			return err
		}

		res := tx.Model(&IssuedCertificate{}).
			Where("id = ? AND status = ?", issuedID, IssuedStatusPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFinished
		}

		if err := tx.Model(&CertificateBatch{}).
			Where("id = ?", issued.BatchID).
			Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
			return err
		}
		if err := tx.First(&batch, issued.BatchID).Error; err != nil {
			return err
		}

		if batch.Completed+batch.Failed >= batch.Total && batch.Status == BatchStatusProcessing {
			status := BatchStatusCompleted
			if batch.Failed > 0 {
				status = BatchStatusCompletedWithErrors
			}
			if err := tx.Model(&batch).Update("status", status).Error; err != nil {
				return err
			}
			batch.Status = status
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finish issued certificate %d: %w", issuedID, err)
	}
	return &batch, nil
}

// IncrementAttempts 记录一次处理尝试。
func IncrementAttempts(ctx context.Context, db *gorm.DB, issuedID uint) error {
	return db.WithContext(ctx).Model(&IssuedCertificate{}).
		Where("id = ?", issuedID).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

// ResetForRegeneration 为已结束的证书分配新的证书 id 并回退批次计数，旧文件保留不动。
func ResetForRegeneration(ctx context.Context, db *gorm.DB, issued *IssuedCertificate, newCertificateID string) error {
	if issued.Status == IssuedStatusPending {
		return fmt.Errorf("certificate %s is still pending", issued.CertificateID)
	}
	previous := issued.Status

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&IssuedCertificate{}).
			Where("id = ? AND status = ?", issued.ID, previous).
			Updates(map[string]any{
				"certificate_id": newCertificateID,
				"status":         IssuedStatusPending,
				"storage_path":   "",
				"error_message":  "",
				"attempts":       0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyFinished
		}

		counter := "completed"
		if previous == IssuedStatusFailed {
			counter = "failed"
		}
		if err := tx.Model(&CertificateBatch{}).
			Where("id = ?", issued.BatchID).
			Updates(map[string]any{
				counter:  gorm.Expr(counter + " - 1"),
				"status": BatchStatusProcessing,
			}).Error; err != nil {
			return err
		}

		issued.CertificateID = newCertificateID
		issued.Status = IssuedStatusPending
		issued.StoragePath = ""
		issued.ErrorMessage = ""
		issued.Attempts = 0
		return nil
	})
}

// truncateUTF8 截断到不超过 limit 字节，且不切开多字节字符。
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
