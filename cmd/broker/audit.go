package main

import (
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/entity"
	"github.com/dgnsrekt/pimnotify/internal/monitor"
)

func itemIDs(items []entity.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func auditHandlers(logger *zap.Logger) monitor.Handlers {
	return monitor.Handlers{
		ItemAdded: func(item entity.Item, col entity.Collection) {
			logger.Info("item added",
				zap.Int64("item", item.ID),
				zap.String("mimeType", item.MimeType),
				zap.Int64("collection", col.ID),
				zap.String("collectionName", col.Name),
			)
		},
		ItemChanged: func(item entity.Item, parts []string) {
			logger.Info("item changed", zap.Int64("item", item.ID), zap.Strings("parts", parts))
		},
		ItemsFlagsChanged: func(items []entity.Item, added, removed []string) {
			logger.Info("flags changed",
				zap.Int64s("items", itemIDs(items)),
				zap.Strings("added", added),
				zap.Strings("removed", removed),
			)
		},
		ItemsTagsChanged: func(items []entity.Item, added, removed []entity.Tag) {
			logger.Info("tags changed",
				zap.Int64s("items", itemIDs(items)),
				zap.Int("added", len(added)),
				zap.Int("removed", len(removed)),
			)
		},
		ItemsMoved: func(items []entity.Item, src, dst entity.Collection) {
			logger.Info("items moved",
				zap.Int64s("items", itemIDs(items)),
				zap.Int64("from", src.ID),
				zap.Int64("to", dst.ID),
			)
		},
		ItemsRemoved: func(items []entity.Item) {
			logger.Info("items removed", zap.Int64s("items", itemIDs(items)))
		},
		ItemsLinked: func(items []entity.Item, col entity.Collection) {
			logger.Info("items linked", zap.Int64s("items", itemIDs(items)), zap.Int64("collection", col.ID))
		},
		ItemsUnlinked: func(items []entity.Item, col entity.Collection) {
			logger.Info("items unlinked", zap.Int64s("items", itemIDs(items)), zap.Int64("collection", col.ID))
		},
		CollectionAdded: func(col, parent entity.Collection) {
			logger.Info("collection added",
				zap.Int64("collection", col.ID),
				zap.String("name", col.Name),
				zap.Int64("parent", parent.ID),
				zap.String("resource", col.Resource),
			)
		},
		CollectionChanged: func(col entity.Collection, attributes []string) {
			logger.Info("collection changed", zap.Int64("collection", col.ID), zap.Strings("attributes", attributes))
		},
		CollectionMoved: func(col, src, dst entity.Collection) {
			logger.Info("collection moved",
				zap.Int64("collection", col.ID),
				zap.Int64("from", src.ID),
				zap.Int64("to", dst.ID),
			)
		},
		CollectionRemoved: func(col entity.Collection) {
			logger.Info("collection removed", zap.Int64("collection", col.ID))
		},
		CollectionSubscribed: func(col, _ entity.Collection) {
			logger.Info("collection subscribed", zap.Int64("collection", col.ID))
		},
		CollectionUnsubscribed: func(col entity.Collection) {
			logger.Info("collection unsubscribed", zap.Int64("collection", col.ID))
		},
		TagAdded: func(tag entity.Tag) {
			logger.Info("tag added", zap.Int64("tag", tag.ID), zap.String("gid", tag.GID))
		},
		TagChanged: func(tag entity.Tag) {
			logger.Info("tag changed", zap.Int64("tag", tag.ID))
		},
		TagRemoved: func(tag entity.Tag) {
			logger.Info("tag removed", zap.Int64("tag", tag.ID))
		},
		RelationAdded: func(rel entity.Relation) {
			logger.Info("relation added", zap.Int64("left", rel.Left), zap.Int64("right", rel.Right), zap.String("type", rel.Type))
		},
		RelationRemoved: func(rel entity.Relation) {
			logger.Info("relation removed", zap.Int64("left", rel.Left), zap.Int64("right", rel.Right), zap.String("type", rel.Type))
		},
	}
}
