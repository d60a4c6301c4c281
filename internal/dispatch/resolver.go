package dispatch

import "postline/internal/storage"

// resolveTargets filters the post's bound channels down to the deliverable
// set. Rejected channels come back as trail lines so the operator sees why a
// destination was skipped; rejections count as failures for aggregation but
// never abort the rest of the fan-out.
func resolveTargets(post storage.Post, channels []storage.Channel) (targets []storage.Channel, skipped []string) {
	for _, ch := range channels {
		switch {
		case ch.OwnerID != post.OwnerID:
			skipped = append(skipped, "channel "+ch.Handle+": failed - channel does not belong to the post owner")
		case !ch.IsVerified:
			skipped = append(skipped, "channel "+ch.Handle+": failed - channel is not verified")
		default:
			targets = append(targets, ch)
		}
	}
	return targets, skipped
}
