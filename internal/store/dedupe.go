package store

import "qms/prayerroom-service/internal/models"

// UniqueByPhone keeps one visitor per phone number. A later row replaces an
// earlier one but keeps the earlier row's position in the list.
func UniqueByPhone(visitors []models.Visitor) []models.Visitor {
	index := make(map[string]int, len(visitors))
	result := make([]models.Visitor, 0, len(visitors))
	for _, visitor := range visitors {
		if pos, ok := index[visitor.Phone]; ok {
			result[pos] = visitor
			continue
		}
		index[visitor.Phone] = len(result)
		result = append(result, visitor)
	}
	return result
}
